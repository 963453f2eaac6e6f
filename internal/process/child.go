// Package process spawns and stops the child processes that back MCP tool
// servers. Each Child exposes its stdin/stdout as a byte stream and keeps the
// tail of its stderr in a LogBuffer for diagnostics.
package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultStopGrace is how long Stop waits after SIGINT before killing.
const DefaultStopGrace = 3 * time.Second

// Spec describes a process to spawn.
type Spec struct {
	Name    string // used in logs only
	Command string
	Args    []string
	Env     map[string]string
	Dir     string
}

// Child is a running process with piped stdio.
type Child struct {
	name   string
	cmd    *exec.Cmd
	cancel context.CancelFunc
	stdin  io.WriteCloser
	stdout *io.PipeReader
	logs   *LogBuffer

	done     chan struct{}
	waitErr  error
	stopOnce sync.Once
}

// Spawn starts the process. Cancelling ctx kills it.
func Spawn(ctx context.Context, spec Spec) (*Child, error) {
	if spec.Command == "" {
		return nil, fmt.Errorf("process %q: empty command", spec.Name)
	}

	procCtx, cancel := context.WithCancel(ctx)
	cmd := exec.CommandContext(procCtx, spec.Command, spec.Args...)
	cmd.Dir = spec.Dir

	// Inherit parent env, then add configured vars.
	cmdEnv := os.Environ()
	for k, v := range spec.Env {
		cmdEnv = append(cmdEnv, fmt.Sprintf("%s=%s", k, v))
	}
	cmd.Env = cmdEnv

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("process %q: stdin pipe: %w", spec.Name, err)
	}

	// stdout goes through an io.Pipe so Wait only returns after every byte
	// the child wrote has been handed to the reader.
	pr, pw := io.Pipe()
	cmd.Stdout = pw

	logs := NewLogBuffer(200)
	cmd.Stderr = logs

	if err := cmd.Start(); err != nil {
		cancel()
		_ = pw.Close()
		return nil, fmt.Errorf("process %q: start %s: %w", spec.Name, spec.Command, err)
	}

	c := &Child{
		name:   spec.Name,
		cmd:    cmd,
		cancel: cancel,
		stdin:  stdin,
		stdout: pr,
		logs:   logs,
		done:   make(chan struct{}),
	}

	log.Debug().
		Str("process", spec.Name).
		Str("command", spec.Command).
		Int("pid", cmd.Process.Pid).
		Msg("Child process started")

	go func() {
		c.waitErr = cmd.Wait()
		_ = pw.CloseWithError(io.EOF)
		close(c.done)
		log.Debug().Str("process", spec.Name).Int("pid", cmd.Process.Pid).Err(c.waitErr).Msg("Child process exited")
	}()

	return c, nil
}

// Stdin is the child's standard input.
func (c *Child) Stdin() io.Writer { return c.stdin }

// Stdout is the child's standard output; it reaches EOF after exit.
func (c *Child) Stdout() io.Reader { return c.stdout }

// Logs returns the stderr tail.
func (c *Child) Logs() *LogBuffer { return c.logs }

// PID returns the OS process id.
func (c *Child) PID() int { return c.cmd.Process.Pid }

// Done is closed once the process has exited.
func (c *Child) Done() <-chan struct{} { return c.done }

// Err returns the exit error. Only valid after Done is closed.
func (c *Child) Err() error { return c.waitErr }

// Stop asks the process to exit with SIGINT and kills it after grace.
// Safe to call more than once.
func (c *Child) Stop(grace time.Duration) {
	c.stopOnce.Do(func() {
		_ = c.stdin.Close()
		select {
		case <-c.done:
		default:
			_ = c.cmd.Process.Signal(os.Interrupt)
			select {
			case <-c.done:
			case <-time.After(grace):
				_ = c.cmd.Process.Kill()
				<-c.done
			}
		}
		c.cancel()
		_ = c.stdout.Close()
	})
}

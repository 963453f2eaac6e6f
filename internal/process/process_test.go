package process_test

import (
	"bufio"
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/scriptrun/internal/process"
)

func TestLogBufferRing(t *testing.T) {
	lb := process.NewLogBuffer(3)
	for i := 0; i < 5; i++ {
		fmt.Fprintf(lb, "line %d\n", i)
	}
	_, _ = lb.Write([]byte("partial"))

	got := lb.Recent(0)
	require.Len(t, got, 3)
	assert.Equal(t, "line 2", got[0].Line)
	assert.Equal(t, "line 4", got[2].Line)
	assert.Equal(t, "line 3\nline 4", lb.Tail(2))

	_, _ = lb.Write([]byte(" done\n"))
	assert.Equal(t, "partial done", lb.Tail(1))
}

func TestSpawnEcho(t *testing.T) {
	c, err := process.Spawn(context.Background(), process.Spec{
		Name:    "cat",
		Command: "sh",
		Args:    []string{"-c", "echo oops >&2; cat"},
	})
	require.NoError(t, err)
	defer c.Stop(time.Second)

	_, err = fmt.Fprintln(c.Stdin(), "hello")
	require.NoError(t, err)

	sc := bufio.NewScanner(c.Stdout())
	require.True(t, sc.Scan())
	assert.Equal(t, "hello", sc.Text())

	c.Stop(time.Second)
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child did not exit after Stop")
	}
	assert.Contains(t, c.Logs().Tail(0), "oops")
}

func TestSpawnCancelKills(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c, err := process.Spawn(ctx, process.Spec{Name: "sleep", Command: "sleep", Args: []string{"30"}})
	require.NoError(t, err)

	cancel()
	select {
	case <-c.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("child survived context cancellation")
	}
	assert.Error(t, c.Err())
}

func TestSpawnMissingBinary(t *testing.T) {
	_, err := process.Spawn(context.Background(), process.Spec{Name: "x", Command: "/definitely/not/here"})
	assert.Error(t, err)
}

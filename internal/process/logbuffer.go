package process

import (
	"bytes"
	"strings"
	"sync"
	"time"
)

// LogEntry is a single line of child output.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Line      string    `json:"line"`
}

// LogBuffer is a fixed-size ring of the most recent lines written to it.
// It implements io.Writer so it can be attached to a command's stderr.
type LogBuffer struct {
	mu      sync.Mutex
	ring    []LogEntry
	next    int
	full    bool
	partial bytes.Buffer
}

// NewLogBuffer creates a buffer that keeps up to size lines.
func NewLogBuffer(size int) *LogBuffer {
	if size <= 0 {
		size = 1
	}
	return &LogBuffer{ring: make([]LogEntry, size)}
}

// Write splits p into lines. A trailing fragment is held until its newline
// arrives.
func (lb *LogBuffer) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	lb.partial.Write(p)
	for {
		line, err := lb.partial.ReadString('\n')
		if err != nil {
			// no newline yet; put the fragment back
			lb.partial.Reset()
			lb.partial.WriteString(line)
			break
		}
		lb.push(strings.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

func (lb *LogBuffer) push(line string) {
	lb.ring[lb.next] = LogEntry{Timestamp: time.Now().UTC(), Line: line}
	lb.next = (lb.next + 1) % len(lb.ring)
	if lb.next == 0 {
		lb.full = true
	}
}

// Recent returns up to n of the newest lines, oldest first. n <= 0 returns
// everything held.
func (lb *LogBuffer) Recent(n int) []LogEntry {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	var all []LogEntry
	if lb.full {
		all = append(all, lb.ring[lb.next:]...)
	}
	all = append(all, lb.ring[:lb.next]...)
	if n > 0 && n < len(all) {
		all = all[len(all)-n:]
	}
	out := make([]LogEntry, len(all))
	copy(out, all)
	return out
}

// Tail joins the newest n lines with newlines.
func (lb *LogBuffer) Tail(n int) string {
	entries := lb.Recent(n)
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.Line
	}
	return strings.Join(lines, "\n")
}

package history

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/scriptrun/pkg/models"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestStore(opts Options) (*Store, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	s := NewStore(opts)
	s.now = c.now
	return s, c
}

func result(id string) *models.RunResult {
	return &models.RunResult{RunID: id, State: models.StateTerminated, Passed: true, Turns: 1}
}

func TestRecordGetList(t *testing.T) {
	s, c := newTestStore(Options{})
	s.Record(&models.ScriptDefinition{ID: "weather", Title: "Weather"}, result("a"))
	c.t = c.t.Add(time.Second)
	s.Record(nil, result("b"))

	rec, err := s.Get(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "weather", rec.ScriptID)
	assert.Equal(t, "Weather", rec.Title)

	_, err = s.Get(context.Background(), "missing")
	assert.Error(t, err)

	list := s.List(context.Background(), 0)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].RunID)
	assert.Equal(t, "a", list[1].RunID)

	assert.Len(t, s.List(context.Background(), 1), 1)
}

func TestPruneDropsExpiredRuns(t *testing.T) {
	s, c := newTestStore(Options{Retention: time.Hour})
	s.Record(nil, result("old"))
	c.t = c.t.Add(2 * time.Hour)
	s.Record(nil, result("new"))

	assert.Equal(t, 1, s.Prune())
	assert.Equal(t, 1, s.Len())
	_, err := s.Get(context.Background(), "new")
	assert.NoError(t, err)
}

func TestRecordCapsAtMaxRuns(t *testing.T) {
	s, c := newTestStore(Options{MaxRuns: 3})
	for i := 0; i < 5; i++ {
		s.Record(nil, result(fmt.Sprintf("run-%d", i)))
		c.t = c.t.Add(time.Second)
	}
	assert.Equal(t, 3, s.Len())
	_, err := s.Get(context.Background(), "run-0")
	assert.Error(t, err)
	_, err = s.Get(context.Background(), "run-4")
	assert.NoError(t, err)
}

func TestStartStopsOnCancel(t *testing.T) {
	s, _ := newTestStore(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Start(ctx, time.Millisecond)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}
}

package events_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentoven/scriptrun/internal/config"
	"github.com/agentoven/scriptrun/internal/events"
	"github.com/agentoven/scriptrun/pkg/models"
)

type failingSink struct{ closed bool }

func (f *failingSink) Publish(context.Context, models.RunEvent) error { return errors.New("down") }
func (f *failingSink) Close() error { f.closed = true; return nil }

func event(typ models.EventType) models.RunEvent {
	return models.RunEvent{Type: typ, RunID: "run-1", Timestamp: time.Now().UTC()}
}

func TestMemorySink(t *testing.T) {
	m := events.NewMemorySink()
	require.NoError(t, m.Publish(context.Background(), event(models.EventRunStarted)))
	require.NoError(t, m.Publish(context.Background(), event(models.EventRunFinished)))

	assert.Equal(t, []models.EventType{models.EventRunStarted, models.EventRunFinished}, m.Types())
	assert.Len(t, m.Events(), 2)
}

func TestMultiPublishesToAllAndJoinsErrors(t *testing.T) {
	m := events.NewMemorySink()
	bad := &failingSink{}
	multi := events.Multi{bad, m, events.LogSink{}}

	err := multi.Publish(context.Background(), event(models.EventToolCompleted))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "down")
	assert.Len(t, m.Events(), 1, "later sinks still receive the event")

	require.NoError(t, multi.Close())
	assert.True(t, bad.closed)
}

func TestFromConfig(t *testing.T) {
	sink, err := events.FromConfig(context.Background(), config.EventsConfig{})
	require.NoError(t, err)
	assert.Nil(t, sink)

	sink, err = events.FromConfig(context.Background(), config.EventsConfig{Sinks: []string{"log"}})
	require.NoError(t, err)
	assert.IsType(t, events.LogSink{}, sink)

	sink, err = events.FromConfig(context.Background(), config.EventsConfig{
		Sinks:      []string{"log", "webhook"},
		WebhookURL: "http://127.0.0.1:1/hook",
	})
	require.NoError(t, err)
	assert.IsType(t, events.Multi{}, sink)

	_, err = events.FromConfig(context.Background(), config.EventsConfig{Sinks: []string{"amqp"}})
	assert.Error(t, err, "amqp without URL")

	_, err = events.FromConfig(context.Background(), config.EventsConfig{Sinks: []string{"pigeon"}})
	assert.Error(t, err)
}

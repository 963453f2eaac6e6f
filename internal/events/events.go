// Package events publishes run lifecycle events (run.started,
// turn.completed, tool.completed, run.finished) to pluggable sinks.
//
// Ships: log (zerolog), memory (tests and embedding), amqp (RabbitMQ topic
// exchange) and webhook (signed HTTP POST). Several sinks can be combined
// with Multi; publish failures never fail a run.
package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/agentoven/scriptrun/internal/config"
	"github.com/agentoven/scriptrun/pkg/contracts"
	"github.com/agentoven/scriptrun/pkg/models"
)

// ── Log Sink ────────────────────────────────────────────────

// LogSink writes every event as a debug log line.
type LogSink struct{}

func (LogSink) Publish(_ context.Context, ev models.RunEvent) error {
	log.Debug().
		Str("event", string(ev.Type)).
		Str("run_id", ev.RunID).
		Int("turn", ev.Turn).
		Str("state", string(ev.State)).
		Interface("data", ev.Data).
		Msg("Run event")
	return nil
}

func (LogSink) Close() error { return nil }

// ── Memory Sink ─────────────────────────────────────────────

// MemorySink keeps events in memory.
type MemorySink struct {
	mu     sync.Mutex
	events []models.RunEvent
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (m *MemorySink) Publish(_ context.Context, ev models.RunEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MemorySink) Close() error { return nil }

// Events returns a copy of everything published so far.
func (m *MemorySink) Events() []models.RunEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.RunEvent(nil), m.events...)
}

// Types returns the event types in publish order.
func (m *MemorySink) Types() []models.EventType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.EventType, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Type)
	}
	return out
}

// ── Fan-out ─────────────────────────────────────────────────

// Multi publishes to every sink and joins their errors.
type Multi []contracts.EventSink

func (m Multi) Publish(ctx context.Context, ev models.RunEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FromConfig builds the sinks named in cfg.Sinks. It returns nil when no
// sink is configured.
func FromConfig(ctx context.Context, cfg config.EventsConfig) (contracts.EventSink, error) {
	var sinks Multi
	for _, name := range cfg.Sinks {
		switch name {
		case "log":
			sinks = append(sinks, LogSink{})
		case "memory":
			sinks = append(sinks, NewMemorySink())
		case "amqp":
			s, err := NewAMQPSink(ctx, AMQPConfig{URL: cfg.AMQPURL, Exchange: cfg.Exchange})
			if err != nil {
				_ = sinks.Close()
				return nil, err
			}
			sinks = append(sinks, s)
		case "webhook":
			s, err := NewWebhookSink(cfg.WebhookURL, cfg.WebhookSecret)
			if err != nil {
				_ = sinks.Close()
				return nil, err
			}
			sinks = append(sinks, s)
		default:
			_ = sinks.Close()
			return nil, fmt.Errorf("unknown event sink %q", name)
		}
		log.Info().Str("sink", name).Msg("Event sink enabled")
	}
	switch len(sinks) {
	case 0:
		return nil, nil
	case 1:
		return sinks[0], nil
	}
	return sinks, nil
}

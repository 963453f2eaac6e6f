// Package metrics defines the Prometheus collectors of the script runtime.
// Collectors register with the default registry and are served by
// promhttp at GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "scriptrun"

var (
	// ProviderCalls counts provider attempts by provider, model and outcome
	// (ok, transient_error, error).
	ProviderCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "provider_calls_total",
		Help:      "Provider call attempts.",
	}, []string{"provider", "model", "outcome"})

	ProviderLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "provider_call_duration_seconds",
		Help:      "Latency of successful provider calls.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"provider"})

	// CacheLookups counts lookups by tier and result (hit, miss, error).
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_lookups_total",
		Help:      "Response cache lookups.",
	}, []string{"tier", "result"})

	// ToolCalls counts tool invocations by kind and result (ok or the
	// tool error kind).
	ToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tool_calls_total",
		Help:      "Tool invocations.",
	}, []string{"kind", "result"})

	ToolLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "tool_call_duration_seconds",
		Help:      "Tool invocation latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})

	// Runs counts finished runs by final state and error kind.
	Runs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "runs_total",
		Help:      "Finished runs.",
	}, []string{"state", "error"})

	ActiveRuns = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_runs",
		Help:      "Runs currently executing.",
	})

	// Tokens counts provider tokens by direction (prompt, completion).
	Tokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "tokens_total",
		Help:      "Tokens reported by providers.",
	}, []string{"provider", "direction"})

	SafetyVerdicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "safety_verdicts_total",
		Help:      "Safety guard evaluations by source and verdict.",
	}, []string{"source", "verdict"})
)

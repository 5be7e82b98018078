// Package metrics exposes engine counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/dotsetgreg/dotrag/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collaborator call outcomes.
const (
	OutcomeOK       = "ok"
	OutcomeTimeout  = "timeout"
	OutcomeFailure  = "failure"
	OutcomeDegraded = "degraded"
)

// Collector records engine metrics. A nil *Collector is valid and records
// nothing, so components can take one unconditionally.
type Collector struct {
	registry *prometheus.Registry

	turns                *prometheus.CounterVec
	phaseFailures        *prometheus.CounterVec
	collaboratorCalls    *prometheus.CounterVec
	collaboratorLatency  *prometheus.HistogramVec
	contextEvictions     prometheus.Counter
	contextRejections    *prometheus.CounterVec
	memoryEvictions      *prometheus.CounterVec
	conversationsExpired prometheus.Counter
	activeConversations  prometheus.Gauge
	turnDuration         prometheus.Histogram
}

// NewCollector registers every metric on registry. A nil registry gets a
// fresh one. Returns nil when metrics are disabled.
func NewCollector(cfg config.MetricsConfig, registry *prometheus.Registry) *Collector {
	if !cfg.Enabled {
		return nil
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "dotrag"
	}

	c := &Collector{
		registry: registry,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "turns_total",
			Help: "Conversation turns processed, by route.",
		}, []string{"route"}),
		phaseFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "phase_failures_total",
			Help: "Phase handler failures caught at the phase boundary.",
		}, []string{"phase"}),
		collaboratorCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "collaborator_calls_total",
			Help: "Retrieval and generation calls, by outcome.",
		}, []string{"collaborator", "outcome"}),
		collaboratorLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns, Name: "collaborator_call_seconds",
			Help:    "Retrieval and generation call latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		}, []string{"collaborator"}),
		contextEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "context_evictions_total",
			Help: "Context chunks evicted to stay within budget.",
		}),
		contextRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "context_rejections_total",
			Help: "Context chunks refused admission, by reason.",
		}, []string{"reason"}),
		memoryEvictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns, Name: "memory_evictions_total",
			Help: "Memory records evicted, by tier.",
		}, []string{"tier"}),
		conversationsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns, Name: "conversations_expired_total",
			Help: "Conversations marked expired after idling.",
		}),
		activeConversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns, Name: "active_conversations",
			Help: "Conversations currently held in the registry.",
		}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns, Name: "turn_duration_seconds",
			Help:    "Wall time to process one inbound message.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}),
	}
	registry.MustRegister(
		c.turns,
		c.phaseFailures,
		c.collaboratorCalls,
		c.collaboratorLatency,
		c.contextEvictions,
		c.contextRejections,
		c.memoryEvictions,
		c.conversationsExpired,
		c.activeConversations,
		c.turnDuration,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	})
}

func (c *Collector) RecordTurn(route string, d time.Duration) {
	if c == nil {
		return
	}
	c.turns.WithLabelValues(route).Inc()
	c.turnDuration.Observe(d.Seconds())
}

func (c *Collector) RecordPhaseFailure(phase string) {
	if c == nil {
		return
	}
	c.phaseFailures.WithLabelValues(phase).Inc()
}

func (c *Collector) RecordCollaboratorCall(collaborator, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.collaboratorCalls.WithLabelValues(collaborator, outcome).Inc()
	c.collaboratorLatency.WithLabelValues(collaborator).Observe(d.Seconds())
}

// RecordContextActivity adds the eviction and rejection deltas of one turn.
func (c *Collector) RecordContextActivity(evictions int, rejections map[string]int) {
	if c == nil {
		return
	}
	if evictions > 0 {
		c.contextEvictions.Add(float64(evictions))
	}
	for reason, n := range rejections {
		if n > 0 {
			c.contextRejections.WithLabelValues(reason).Add(float64(n))
		}
	}
}

func (c *Collector) RecordMemoryEvictions(tier string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.memoryEvictions.WithLabelValues(tier).Add(float64(n))
}

func (c *Collector) RecordExpired(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.conversationsExpired.Add(float64(n))
}

func (c *Collector) SetActiveConversations(n int) {
	if c == nil {
		return
	}
	c.activeConversations.Set(float64(n))
}

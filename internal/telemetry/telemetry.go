// Package telemetry turns the event journal's live fanout into
// Prometheus metrics. It never touches the engine directly: a
// Collector is just another Fanout subscriber, the same shape a
// protocol adapter or the replay store would use, which keeps
// observability purely additive — removing it changes nothing about
// how a turn runs.
package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/quorumrun/nexus/internal/journal"
	"github.com/quorumrun/nexus/pkg/model"
)

// Collector subscribes to a journal.Fanout and folds session-lifecycle
// events into counters, histograms, and gauges.
type Collector struct {
	registry *prometheus.Registry

	events         *prometheus.CounterVec
	llmDuration    *prometheus.HistogramVec
	llmTokens      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	toolExecutions *prometheus.CounterVec
	delegations    *prometheus.CounterVec
	errors         *prometheus.CounterVec
	activeSessions prometheus.Gauge

	mu          sync.Mutex
	llmStarted  map[string]time.Time // sessionID -> request start
	toolStarted map[string]time.Time // callID -> dispatch start
	sessionsSet map[string]struct{}
}

// NewCollector builds a Collector whose metrics are registered against
// reg. Pass prometheus.NewRegistry() for an isolated registry (tests,
// multiple engine instances in one process) or prometheus.DefaultRegisterer's
// underlying registry for a single-process daemon exposing /metrics.
func NewCollector(reg *prometheus.Registry) *Collector {
	factory := promauto.With(reg)
	return &Collector{
		registry: reg,
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_engine_events_total",
			Help: "Total number of durable session-engine events by kind.",
		}, []string{"kind"}),
		llmDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_engine_llm_request_duration_seconds",
			Help:    "Duration of LLM provider calls in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"session_id"}),
		llmTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_engine_llm_tokens_total",
			Help: "Total tokens accounted for by an LLM request, by kind.",
		}, []string{"token_kind"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "nexus_engine_tool_call_duration_seconds",
			Help:    "Duration of tool dispatches in seconds.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool_name"}),
		toolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_engine_tool_calls_total",
			Help: "Total tool dispatches by name.",
		}, []string{"tool_name"}),
		delegations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_engine_delegations_total",
			Help: "Total delegation lifecycle transitions by outcome.",
		}, []string{"outcome"}),
		errors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "nexus_engine_errors_total",
			Help: "Total durable error events.",
		}, []string{"session_id"}),
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "nexus_engine_active_sessions",
			Help: "Distinct sessions that have produced at least one event and not yet been cancelled.",
		}),
		llmStarted:  make(map[string]time.Time),
		toolStarted: make(map[string]time.Time),
		sessionsSet: make(map[string]struct{}),
	}
}

// Registry returns the Prometheus registry metrics were registered
// against, for mounting behind promhttp.HandlerFor.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Run subscribes to fanout and folds events until ctx is done. It is
// meant to run in its own goroutine for the process lifetime.
func (c *Collector) Run(ctx context.Context, fanout *journal.Fanout) {
	sub := fanout.Subscribe()
	defer sub.Unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-sub.C():
			if !ok {
				return
			}
			if d.Event != nil {
				c.observe(*d.Event)
			}
			// LaggedNotice deliveries mean we missed events under load;
			// metrics are best-effort so we simply continue rather than
			// trying to reconstruct the gap from the journal.
		}
	}
}

func (c *Collector) observe(e model.Event) {
	c.events.WithLabelValues(string(e.Kind)).Inc()

	c.mu.Lock()
	if _, seen := c.sessionsSet[e.SessionID]; !seen {
		c.sessionsSet[e.SessionID] = struct{}{}
		c.activeSessions.Inc()
	}
	c.mu.Unlock()

	switch e.Kind {
	case model.KindLlmRequestStart:
		c.mu.Lock()
		c.llmStarted[e.SessionID] = e.Timestamp
		c.mu.Unlock()
	case model.KindLlmRequestFinish:
		c.mu.Lock()
		start, ok := c.llmStarted[e.SessionID]
		delete(c.llmStarted, e.SessionID)
		c.mu.Unlock()
		if ok {
			c.llmDuration.WithLabelValues(e.SessionID).Observe(e.Timestamp.Sub(start).Seconds())
		}
		if e.Payload.Usage != nil {
			u := e.Payload.Usage
			c.llmTokens.WithLabelValues("input").Add(float64(u.InputTokens))
			c.llmTokens.WithLabelValues("output").Add(float64(u.OutputTokens))
			c.llmTokens.WithLabelValues("cache_read").Add(float64(u.CacheReadTokens))
			c.llmTokens.WithLabelValues("reasoning").Add(float64(u.ReasoningTokens))
		}
	case model.KindToolCallStart:
		c.mu.Lock()
		c.toolStarted[e.Payload.CallID] = e.Timestamp
		c.mu.Unlock()
		c.toolExecutions.WithLabelValues(e.Payload.ToolName).Inc()
	case model.KindToolCallEnd:
		c.mu.Lock()
		start, ok := c.toolStarted[e.Payload.CallID]
		delete(c.toolStarted, e.Payload.CallID)
		c.mu.Unlock()
		if ok {
			c.toolDuration.WithLabelValues(e.Payload.ToolName).Observe(e.Timestamp.Sub(start).Seconds())
		}
	case model.KindDelegationCompleted:
		c.delegations.WithLabelValues("completed").Inc()
	case model.KindDelegationFailed:
		c.delegations.WithLabelValues("failed").Inc()
	case model.KindDelegationCancelled:
		c.delegations.WithLabelValues("cancelled").Inc()
	case model.KindDelegationRequested:
		c.delegations.WithLabelValues("requested").Inc()
	case model.KindError:
		c.errors.WithLabelValues(e.SessionID).Inc()
	case model.KindCancelled:
		c.mu.Lock()
		if _, seen := c.sessionsSet[e.SessionID]; seen {
			delete(c.sessionsSet, e.SessionID)
			c.activeSessions.Dec()
		}
		c.mu.Unlock()
	}
}

// Package observability — metrics.go
//
// Prometheus metrics for the KYC capture engine.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback by default; ServeMetrics listens on whatever address it is given.
//
// Metric naming convention: capture_engine_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - State labels use the string state name (11 values max).
//   - session_id is NOT used as a label (unbounded cardinality).
//   - Per-session metrics are aggregated before recording.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for the capture engine.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Event bus ────────────────────────────────────────────────────────────

	// EventsPublishedTotal counts events published to session queues, by type.
	EventsPublishedTotal *prometheus.CounterVec

	// EventsDroppedTotal counts events dropped due to subscriber queue overflow.
	EventsDroppedTotal prometheus.Counter

	// EventSubscribersActive is the current number of active SSE subscribers.
	EventSubscribersActive prometheus.Gauge

	// ─── Quality Gate Engine ──────────────────────────────────────────────────

	// QualityGateEvalsTotal counts Quality Gate evaluations, by outcome
	// (pass, fail, cancel).
	QualityGateEvalsTotal *prometheus.CounterVec

	// QualityGateLatency records Quality Gate evaluation latency.
	QualityGateLatency prometheus.Histogram

	// ─── Capture State Machine ────────────────────────────────────────────────

	// StateTransitionsTotal counts state transitions, by from_state and to_state.
	StateTransitionsTotal *prometheus.CounterVec

	// IllegalTransitionsTotal counts rejected illegal transition attempts.
	IllegalTransitionsTotal prometheus.Counter

	// ─── Vendor Orchestrator ──────────────────────────────────────────────────

	// VendorCallsTotal counts vendor capability calls, by capability and outcome.
	VendorCallsTotal *prometheus.CounterVec

	// VendorCallLatency records vendor capability call latency, by capability.
	VendorCallLatency *prometheus.HistogramVec

	// CircuitBreakerState is the current breaker status per capability/adapter
	// (0=closed, 1=half_open, 2=open).
	CircuitBreakerState *prometheus.GaugeVec

	// ─── Sessions ─────────────────────────────────────────────────────────────

	// SessionsActive is the current number of tracked sessions.
	SessionsActive prometheus.Gauge

	// SessionsReapedTotal counts sessions closed by TTL expiry.
	SessionsReapedTotal prometheus.Counter

	// DecisionsTotal counts Decision Engine outcomes, by verdict.
	DecisionsTotal *prometheus.CounterVec

	// ─── Audit Log ────────────────────────────────────────────────────────────

	// AuditWriteLatency records bbolt append transaction latency.
	AuditWriteLatency prometheus.Histogram

	// AuditLedgerEntries is the current number of audit ledger entries.
	AuditLedgerEntries prometheus.Gauge

	// ─── Process ──────────────────────────────────────────────────────────────

	// ProcessUptimeSeconds is the number of seconds since process start.
	ProcessUptimeSeconds prometheus.Gauge

	// startTime records when the process started (for uptime calculation).
	startTime time.Time
}

// NewMetrics creates and registers all capture engine Prometheus metrics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		EventsPublishedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capture_engine",
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Total events published to session queues, by event type.",
		}, []string{"event_type"}),

		EventsDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capture_engine",
			Subsystem: "events",
			Name:      "dropped_total",
			Help:      "Total events dropped due to a full subscriber channel.",
		}),

		EventSubscribersActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capture_engine",
			Subsystem: "events",
			Name:      "subscribers_active",
			Help:      "Current number of active SSE subscribers across all sessions.",
		}),

		QualityGateEvalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capture_engine",
			Subsystem: "quality_gate",
			Name:      "evals_total",
			Help:      "Total Quality Gate evaluations, by outcome.",
		}, []string{"outcome"}),

		QualityGateLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "capture_engine",
			Subsystem: "quality_gate",
			Name:      "eval_latency_seconds",
			Help:      "Quality Gate evaluation latency, target p99 < 50ms.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.075, 0.1, 0.25},
		}),

		StateTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capture_engine",
			Subsystem: "capture",
			Name:      "state_transitions_total",
			Help:      "Total capture state transitions, by from_state and to_state.",
		}, []string{"from_state", "to_state"}),

		IllegalTransitionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capture_engine",
			Subsystem: "capture",
			Name:      "illegal_transitions_total",
			Help:      "Total rejected illegal state transition attempts.",
		}),

		VendorCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capture_engine",
			Subsystem: "vendor",
			Name:      "calls_total",
			Help:      "Total vendor capability calls, by capability and outcome.",
		}, []string{"capability", "outcome"}),

		VendorCallLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "capture_engine",
			Subsystem: "vendor",
			Name:      "call_latency_seconds",
			Help:      "Vendor capability call latency, by capability.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"capability"}),

		CircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "capture_engine",
			Subsystem: "vendor",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per capability/adapter (0=closed,1=half_open,2=open).",
		}, []string{"capability", "adapter"}),

		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capture_engine",
			Subsystem: "session",
			Name:      "active",
			Help:      "Current number of tracked sessions.",
		}),

		SessionsReapedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "capture_engine",
			Subsystem: "session",
			Name:      "reaped_total",
			Help:      "Total sessions closed by TTL expiry.",
		}),

		DecisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "capture_engine",
			Subsystem: "decision",
			Name:      "total",
			Help:      "Total Decision Engine outcomes, by verdict.",
		}, []string{"verdict"}),

		AuditWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "capture_engine",
			Subsystem: "audit",
			Name:      "write_latency_seconds",
			Help:      "bbolt append transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		AuditLedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capture_engine",
			Subsystem: "audit",
			Name:      "ledger_entries",
			Help:      "Current number of audit ledger entries.",
		}),

		ProcessUptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "capture_engine",
			Subsystem: "process",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the process started.",
		}),
	}

	reg.MustRegister(
		m.EventsPublishedTotal,
		m.EventsDroppedTotal,
		m.EventSubscribersActive,
		m.QualityGateEvalsTotal,
		m.QualityGateLatency,
		m.StateTransitionsTotal,
		m.IllegalTransitionsTotal,
		m.VendorCallsTotal,
		m.VendorCallLatency,
		m.CircuitBreakerState,
		m.SessionsActive,
		m.SessionsReapedTotal,
		m.DecisionsTotal,
		m.AuditWriteLatency,
		m.AuditLedgerEntries,
		m.ProcessUptimeSeconds,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the ProcessUptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.ProcessUptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}

package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// METRICS - Prometheus endpoint on loopback
// ═══════════════════════════════════════════════════════════════════════════════

// Kernel holds every kernel metric behind one registry.
type Kernel struct {
	registry *prometheus.Registry

	SnapshotsTotal   prometheus.Counter
	IntentsTotal     *prometheus.CounterVec // by strategy
	ApprovalsTotal   *prometheus.CounterVec // by reason
	RiskVetoesTotal  *prometheus.CounterVec // by reason
	FillsTotal       prometheus.Counter
	SubmitLatency    prometheus.Histogram
	AckToFillLatency prometheus.Histogram
	OpenOrders       prometheus.Gauge
	AuditQueueDepth  prometheus.Gauge
	RawEventDrops    prometheus.Gauge
	WSConnected      prometheus.Gauge
	BreakerOpen      prometheus.Gauge
	KillSwitch       prometheus.Gauge
	DrawdownHalt     prometheus.Gauge
}

// NewKernel builds and registers the metric set.
func NewKernel() *Kernel {
	reg := prometheus.NewRegistry()

	k := &Kernel{
		registry: reg,
		SnapshotsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polyd_snapshots_total",
			Help: "Snapshots published by the state manager.",
		}),
		IntentsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polyd_intents_total",
			Help: "Intents emitted, by strategy.",
		}, []string{"strategy"}),
		ApprovalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polyd_approvals_total",
			Help: "Arbiter approvals, by reason code.",
		}, []string{"reason"}),
		RiskVetoesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "polyd_risk_vetoes_total",
			Help: "Risk governor vetoes, by reason.",
		}, []string{"reason"}),
		FillsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "polyd_fills_total",
			Help: "Fills applied by the execution manager.",
		}),
		SubmitLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "polyd_submit_latency_seconds",
			Help:    "Order submit to venue ack latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		AckToFillLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "polyd_ack_to_fill_seconds",
			Help:    "Venue ack to first fill latency.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		OpenOrders: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polyd_open_orders",
			Help: "Live orders resting at the venue.",
		}),
		AuditQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polyd_audit_queue_depth",
			Help: "Records waiting in the audit queue.",
		}),
		RawEventDrops: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polyd_raw_event_drops_total",
			Help: "Raw event records dropped under audit backpressure.",
		}),
		WSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polyd_ws_connected",
			Help: "Venue websocket health (1 connected, 0 down).",
		}),
		BreakerOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polyd_circuit_breaker_open",
			Help: "Venue circuit breaker state (1 open).",
		}),
		KillSwitch: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polyd_kill_switch_engaged",
			Help: "Operator kill switch state (1 engaged).",
		}),
		DrawdownHalt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "polyd_drawdown_halt",
			Help: "Drawdown halt latch state (1 latched).",
		}),
	}

	reg.MustRegister(
		k.SnapshotsTotal, k.IntentsTotal, k.ApprovalsTotal, k.RiskVetoesTotal,
		k.FillsTotal, k.SubmitLatency, k.AckToFillLatency, k.OpenOrders,
		k.AuditQueueDepth, k.RawEventDrops, k.WSConnected, k.BreakerOpen,
		k.KillSwitch, k.DrawdownHalt,
	)
	return k
}

// Server serves GET /metrics on loopback.
type Server struct {
	srv *http.Server
}

// NewServer builds the loopback metrics server.
func NewServer(addr string, k *Kernel) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(k.registry, promhttp.HandlerOpts{}))

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves in the background.
func (s *Server) Start() {
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("metrics server failed")
		}
	}()
	log.Info().Str("addr", s.srv.Addr).Msg("metrics endpoint listening")
}

// Close shuts the server down.
func (s *Server) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_ = s.srv.Shutdown(ctx)
}

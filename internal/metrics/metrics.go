package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/snapp-incubator/frl-proxy/internal/logging"
)

var durationBuckets = []float64{
	0.0005,
	0.001, // 1ms
	0.002,
	0.005,
	0.01, // 10ms
	0.02,
	0.05,
	0.1, // 100 ms
	0.2,
	0.5,
	1.0, // 1s
	2.0,
	5.0,
	10.0, // 10s
	15.0,
	20.0,
	30.0,
}

var (
	// RequestCount counts every ingress request by classified kind and resolution.
	RequestCount = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "frl_proxy",
		Subsystem: "http",
		Name:      "request_count",
		Help:      "Count of inbound requests by kind and resolution",
	}, []string{"kind", "resolution"})

	// RequestDuration is the latency of the ingress handler, by kind.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "frl_proxy",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "Duration of the ingress handler",
		Buckets:   durationBuckets,
	}, []string{"kind"})

	// CacheLookups counts FRL_ACTIVATE cache lookups by hit/miss.
	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "frl_proxy",
		Subsystem: "cache",
		Name:      "lookup_total",
		Help:      "Count of activation cache lookups",
	}, []string{"result"})

	// UpstreamCalls counts upstream round-trips by target and outcome.
	UpstreamCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "frl_proxy",
		Subsystem: "upstream",
		Name:      "call_total",
		Help:      "Count of upstream calls by target and outcome",
	}, []string{"target", "outcome"})

	// UpstreamDuration is the latency of a single upstream attempt.
	UpstreamDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "frl_proxy",
		Subsystem: "upstream",
		Name:      "call_duration_seconds",
		Help:      "Duration of a single upstream attempt",
		Buckets:   durationBuckets,
	}, []string{"target"})

	// ForwarderPending reports the current PENDING backlog per upstream.
	ForwarderPending = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "frl_proxy",
		Subsystem: "forwarder",
		Name:      "pending",
		Help:      "Current count of PENDING stored requests awaiting forward",
	}, []string{"target"})

	// ForwarderDrains counts forwarder drain outcomes.
	ForwarderDrains = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "frl_proxy",
		Subsystem: "forwarder",
		Name:      "drain_total",
		Help:      "Count of per-request forward attempts by outcome",
	}, []string{"target", "outcome"})
)

// Server wraps the metrics HTTP endpoint so it can be gracefully shut down
// alongside the main listener.
type Server struct {
	httpServer *http.Server
}

// NewServer builds (but does not start) the metrics server.
func NewServer(bind string) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{httpServer: &http.Server{Addr: bind, Handler: mux}}
}

// Run starts serving until the server is shut down. Any listener error other
// than the graceful-shutdown one is logged, not returned.
func (s *Server) Run() {
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logging.L.Error("metrics HTTP server terminated abnormally", zap.Error(err))
	}
}

// Shutdown gracefully stops the metrics server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

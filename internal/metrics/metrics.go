// Package metrics exposes the service's Prometheus instrumentation: fetch
// latency, cache hit/miss counts, bus reconnect attempts, in-flight request
// coalescing, and sweep cycles completed.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds every Prometheus collector the service registers.
type Metrics struct {
	UpstreamFetchLatency  *prometheus.HistogramVec
	UpstreamFetchErrors   *prometheus.CounterVec
	CacheHits             *prometheus.CounterVec
	CacheMisses           *prometheus.CounterVec
	BusReconnectAttempts  prometheus.Counter
	BusConnected          prometheus.Gauge
	RequestsCoalesced     prometheus.Counter
	SweepCyclesCompleted  *prometheus.CounterVec
	RetainedTopicsCleared prometheus.Counter

	logger *zap.Logger
	server *http.Server
}

// New constructs and registers the metrics collectors.
func New(logger *zap.Logger) *Metrics {
	m := &Metrics{
		UpstreamFetchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cryptopulse_upstream_fetch_latency_seconds",
				Help:    "Latency of upstream quote-provider requests",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
			},
			[]string{"operation"},
		),
		UpstreamFetchErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptopulse_upstream_fetch_errors_total",
				Help: "Total upstream fetch errors by kind",
			},
			[]string{"kind"},
		),
		CacheHits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptopulse_cache_hits_total",
				Help: "Cache hits by cache name",
			},
			[]string{"cache"},
		),
		CacheMisses: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptopulse_cache_misses_total",
				Help: "Cache misses by cache name",
			},
			[]string{"cache"},
		),
		BusReconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptopulse_bus_reconnect_attempts_total",
			Help: "Total failed connection attempts of the subscriber bus client",
		}),
		BusConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cryptopulse_bus_connected",
			Help: "1 if the subscriber bus session is connected, 0 otherwise",
		}),
		RequestsCoalesced: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptopulse_requests_coalesced_total",
			Help: "Historical requests coalesced into an in-flight upstream fetch",
		}),
		SweepCyclesCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cryptopulse_sweep_cycles_completed_total",
				Help: "Retention sweep cycles completed, by timeframe",
			},
			[]string{"timeframe"},
		),
		RetainedTopicsCleared: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cryptopulse_retained_topics_cleared_total",
			Help: "Total retained topics cleared by the sweeper",
		}),
		logger: logger.Named("metrics"),
	}

	prometheus.MustRegister(
		m.UpstreamFetchLatency,
		m.UpstreamFetchErrors,
		m.CacheHits,
		m.CacheMisses,
		m.BusReconnectAttempts,
		m.BusConnected,
		m.RequestsCoalesced,
		m.SweepCyclesCompleted,
		m.RetainedTopicsCleared,
	)

	return m
}

// Start serves /metrics on addr in the background.
func (m *Metrics) Start(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	m.server = &http.Server{Addr: addr, Handler: mux}
	m.logger.Info("metrics server starting", zap.String("addr", addr))

	go func() {
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop shuts the metrics server down.
func (m *Metrics) Stop() error {
	if m.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return m.server.Shutdown(ctx)
}

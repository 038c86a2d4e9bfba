package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge

	decisionsTotal    *prometheus.CounterVec
	whitelistHitTotal *prometheus.CounterVec
	storeErrorsTotal  *prometheus.CounterVec
	sweepDeletedTotal *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "greylistd_connections_total",
			Help: "Total number of policy-protocol connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "greylistd_connections_active",
			Help: "Number of currently active policy-protocol connections.",
		}),
		decisionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greylistd_decisions_total",
			Help: "Total number of policy decisions, by response verb.",
		}, []string{"verb"}),
		whitelistHitTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greylistd_whitelist_hits_total",
			Help: "Total number of requests short-circuited by a whitelist matcher.",
		}, []string{"matcher"}),
		storeErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greylistd_store_errors_total",
			Help: "Total number of store operation failures.",
		}, []string{"backend", "op"}),
		sweepDeletedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "greylistd_sweep_deleted_total",
			Help: "Total number of keys deleted by the maintenance sweeper.",
		}, []string{"store"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.decisionsTotal,
		c.whitelistHitTotal,
		c.storeErrorsTotal,
		c.sweepDeletedTotal,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

// DecisionMade increments the decision counter for the given verb.
func (c *PrometheusCollector) DecisionMade(verb string) {
	c.decisionsTotal.WithLabelValues(verb).Inc()
}

// WhitelistHit increments the whitelist-hit counter for the given matcher.
func (c *PrometheusCollector) WhitelistHit(matcher string) {
	c.whitelistHitTotal.WithLabelValues(matcher).Inc()
}

// StoreError increments the store-error counter for the given backend/op pair.
func (c *PrometheusCollector) StoreError(backend, op string) {
	c.storeErrorsTotal.WithLabelValues(backend, op).Inc()
}

// SweepDeleted adds n to the sweep-deleted counter for the given store.
func (c *PrometheusCollector) SweepDeleted(store string, n int) {
	c.sweepDeletedTotal.WithLabelValues(store).Add(float64(n))
}

// PrometheusServer serves the /metrics endpoint over HTTP.
type PrometheusServer struct {
	addr string
	path string
	srv  *http.Server
}

// NewPrometheusServer creates a metrics HTTP server bound to addr, serving path.
func NewPrometheusServer(addr, path string) *PrometheusServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	return &PrometheusServer{
		addr: addr,
		path: path,
		srv:  &http.Server{Addr: addr, Handler: mux},
	}
}

// Start begins serving metrics. It blocks until the context is canceled.
func (s *PrometheusServer) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		_ = s.srv.Shutdown(context.Background())
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the metrics server.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

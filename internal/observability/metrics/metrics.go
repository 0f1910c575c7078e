// Package metrics exposes Prometheus collectors for the life-support loop and
// the HTTP API on a dedicated registry.
package metrics

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lifeline"

// Collector groups every metric the daemon reports.
type Collector struct {
	registry *prometheus.Registry

	checks        *prometheus.CounterVec
	checkDuration *prometheus.HistogramVec
	balances      *prometheus.GaugeVec
	providers     *prometheus.CounterVec
	submissions   *prometheus.HistogramVec

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// NewCollector creates a collector with its own registry.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checks_total",
			Help:      "Life-support invocations by kind and terminal status.",
		}, []string{"kind", "status"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "check_duration_seconds",
			Help:      "Wall time of life-support invocations.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"kind"}),
		balances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "balance",
			Help:      "Last observed balance in whole units.",
		}, []string{"ledger", "symbol", "role"}),
		providers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_provider_outcomes_total",
			Help:      "Pipeline outcomes attributed to quote providers.",
		}, []string{"provider", "result"}),
		submissions: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "submission_attempts",
			Help:      "Send attempts needed per submitted transaction.",
			Buckets:   []float64{1, 2, 3, 5, 8},
		}, []string{"outcome"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_errors_total",
			Help:      "Total number of HTTP requests that resulted in a server error.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	c.registry.MustRegister(
		c.checks, c.checkDuration, c.balances, c.providers, c.submissions,
		c.httpRequests, c.httpErrors, c.httpLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// ObserveCheck counts a finished invocation.
func (c *Collector) ObserveCheck(kind, status string, duration time.Duration) {
	c.checks.WithLabelValues(kind, status).Inc()
	c.checkDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// ObserveBalance records a balance expressed in base units.
func (c *Collector) ObserveBalance(ledger, symbol, role string, quantity *big.Int, decimals uint8) {
	if quantity == nil {
		return
	}
	c.balances.WithLabelValues(ledger, symbol, role).Set(toUnits(quantity, decimals))
}

// ObserveProvider counts an outcome attributed to a quote provider.
func (c *Collector) ObserveProvider(provider string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.providers.WithLabelValues(provider, result).Inc()
}

// ObserveSubmission records how many sends a transaction needed.
func (c *Collector) ObserveSubmission(outcome string, attempts int) {
	c.submissions.WithLabelValues(outcome).Observe(float64(attempts))
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (c *Collector) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	c.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= 500 {
		c.httpErrors.WithLabelValues(handler, method).Inc()
	}
	c.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Handler exposes the registry in Prometheus text exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

func toUnits(quantity *big.Int, decimals uint8) float64 {
	value := new(big.Float).SetInt(quantity)
	if decimals > 0 {
		scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
		value.Quo(value, scale)
	}
	out, _ := value.Float64()
	return out
}

var defaultCollector = NewCollector()

// Default returns the process-wide collector.
func Default() *Collector {
	return defaultCollector
}

// ObserveHTTPRequest records an HTTP request on the default collector.
func ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	defaultCollector.ObserveHTTPRequest(handler, method, status, duration)
}

// Handler serves the default collector.
func Handler() http.Handler {
	return defaultCollector.Handler()
}

// StartServer launches a standalone HTTP server exposing the /metrics endpoint.
func StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

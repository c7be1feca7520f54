// Package metrics exposes Prometheus metrics for management API calls.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jbweber/sma/internal/logging"
)

// Namespace prefixes every metric name.
const Namespace = "sma"

// DefaultPath is where Start serves metrics when no path is given.
const DefaultPath = "/metrics"

// Collector records per-method request counts and latencies in a private
// registry.
type Collector struct {
	registry *prometheus.Registry

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec

	mu     sync.Mutex
	server *http.Server
	log    *slog.Logger
}

// NewCollector returns a collector with its metrics registered.
func NewCollector(log *slog.Logger) *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "requests_total",
				Help:      "Total number of management API requests",
			},
			[]string{"method", "code"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "request_duration_seconds",
				Help:      "Duration of management API requests in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
			},
			[]string{"method"},
		),
		log: logging.OrNop(log),
	}
	c.registry.MustRegister(c.requests, c.duration)
	return c
}

// Observe records one finished request.
func (c *Collector) Observe(method, code string, d time.Duration) {
	c.requests.With(prometheus.Labels{"method": method, "code": code}).Inc()
	c.duration.With(prometheus.Labels{"method": method}).Observe(d.Seconds())
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition formats.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start serves metrics on address under path until Stop. It returns the
// bound address.
func (c *Collector) Start(address, path string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.server != nil {
		return "", errors.New("metrics server already running")
	}
	if path == "" {
		path = DefaultPath
	}

	l, err := net.Listen("tcp", address)
	if err != nil {
		return "", fmt.Errorf("failed to listen on %s: %w", address, err)
	}

	mux := http.NewServeMux()
	mux.Handle(path, c.Handler())
	mux.HandleFunc("/health", healthHandler)

	c.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	srv := c.server
	go func() {
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("metrics server error", "error", err)
		}
	}()

	c.log.Info("serving metrics", "address", l.Addr().String(), "path", path)
	return l.Addr().String(), nil
}

// Stop shuts the metrics server down. It is a no-op when not started.
func (c *Collector) Stop(ctx context.Context) error {
	c.mu.Lock()
	srv := c.server
	c.server = nil
	c.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop metrics server: %w", err)
	}
	return nil
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"healthy","service":"sma"}`))
}

// Package metrics exposes Prometheus metrics for the proxy's request path.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seedwing-proxy/seedwing/internal/logging"
)

// Config holds metrics server configuration.
type Config struct {
	ServiceName string `toml:"service-name"`
	Port        int    `toml:"port"`
}

// Client owns the Prometheus registry and the collectors the rest of the
// proxy records against.
type Client struct {
	registry *prometheus.Registry
	port     int

	Requests        *prometheus.CounterVec
	PolicyDecisions *prometheus.CounterVec
	GitCacheUpdates *prometheus.CounterVec
	FetchDuration   *prometheus.HistogramVec
}

// New creates a Client and registers its collectors.
func New(_ context.Context, cfg Config) (*Client, error) {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Client{
		registry: registry,
		port:     cfg.Port,
		Requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "seedwing_requests_total",
			Help: "Requests handled by the proxy, labelled by scope, ecosystem and outcome.",
		}, []string{"scope", "ecosystem", "outcome"}),
		PolicyDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "seedwing_policy_decisions_total",
			Help: "Policy evaluations, labelled by configured decision and outcome.",
		}, []string{"decision", "outcome"}),
		GitCacheUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "seedwing_git_cache_updates_total",
			Help: "Periodic git index cache update attempts, labelled by scope and result.",
		}, []string{"scope", "result"}),
		FetchDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "seedwing_upstream_fetch_duration_seconds",
			Help:    "Time spent fetching artifacts from upstream registries.",
			Buckets: prometheus.DefBuckets,
		}, []string{"ecosystem"}),
	}, nil
}

// Close is a no-op placeholder kept symmetric with other ambient clients that
// need cleanup (e.g. an OTLP exporter); the Prometheus registry needs none.
func (c *Client) Close() error { return nil }

// Handler returns the /metrics handler.
func (c *Client) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{ErrorHandling: promhttp.ContinueOnError})
}

// ServeMetrics starts a dedicated metrics HTTP server in the background.
func (c *Client) ServeMetrics(ctx context.Context) error {
	logger := logging.FromContext(ctx)

	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", c.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.InfoContext(ctx, "starting metrics server", "port", c.port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorContext(ctx, "metrics server error", "error", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	return nil
}

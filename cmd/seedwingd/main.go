// Command seedwingd runs the policy-enforcing package-registry proxy.
//
// Grounded on _examples/block-cachew/cmd/cachewd/main.go for overall
// wiring shape (newMux/newServer/parseEnvars, otelhttp + logging
// middleware, metrics server lifecycle), adapted from HCL to the TOML
// config loader in internal/config and from the teacher's strategy.Registry
// to the fixed-ecosystem internal/router.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/seedwing-proxy/seedwing/internal/config"
	"github.com/seedwing-proxy/seedwing/internal/cratecache"
	"github.com/seedwing-proxy/seedwing/internal/githubapp"
	"github.com/seedwing-proxy/seedwing/internal/httputil"
	"github.com/seedwing-proxy/seedwing/internal/jobscheduler"
	"github.com/seedwing-proxy/seedwing/internal/logging"
	"github.com/seedwing-proxy/seedwing/internal/metrics"
	"github.com/seedwing-proxy/seedwing/internal/policyclient"
	"github.com/seedwing-proxy/seedwing/internal/router"
	"github.com/seedwing-proxy/seedwing/internal/snapshot"
	"github.com/seedwing-proxy/seedwing/internal/upstream"
)

// Exit codes per spec.md §6.
const (
	exitConfigNotFound = -2
	exitConfigInvalid  = -1
	exitOK             = 0
	exitListenFailed   = 1
)

type CLI struct {
	Config string `help:"Path to the TOML configuration file." short:"c" default:"./seedwing.toml"`
	Bind   string `help:"Override proxy.bind." short:"b"`
	Port   int    `help:"Override proxy.port." short:"p"`
}

func main() {
	var cli CLI
	kong.Parse(&cli)

	if _, err := os.Stat(cli.Config); err != nil {
		fmt.Fprintf(os.Stderr, "config file not found: %s\n", cli.Config) //nolint:forbidigo
		os.Exit(exitConfigNotFound)
	}

	cfg, err := config.Load(cli.Config, config.Overrides{Bind: cli.Bind, Port: cli.Port})
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %s\n", err) //nolint:forbidigo
		os.Exit(exitConfigInvalid)
	}

	ctx := context.Background()
	logger, ctx := logging.Configure(ctx, cfg.Logging)

	if err := run(ctx, cfg); err != nil {
		logger.ErrorContext(ctx, "seedwingd exiting", "error", err.Error())
		os.Exit(exitListenFailed)
	}
	os.Exit(exitOK)
}

func run(ctx context.Context, cfg config.Config) error {
	logger := logging.FromContext(ctx)

	metricsClient, err := metrics.New(ctx, cfg.Metrics)
	if err != nil {
		return fmt.Errorf("create metrics client: %w", err)
	}
	defer func() {
		if err := metricsClient.Close(); err != nil {
			logger.ErrorContext(ctx, "failed to close metrics client", "error", err)
		}
	}()
	if err := metricsClient.ServeMetrics(ctx); err != nil {
		return fmt.Errorf("start metrics server: %w", err)
	}

	installations, err := githubapp.NewInstallations(cfg.GitHubApp, logger)
	if err != nil && cfg.GitHubApp.AppID != "" {
		return fmt.Errorf("github app config: %w", err)
	}
	httpClient := &http.Client{Transport: &http.Transport{DisableCompression: true}}
	tokenManager, err := githubapp.NewTokenManager(installations, httpClient)
	if err != nil {
		logger.WarnContext(ctx, "github app token manager unavailable, continuing without installation auth", "error", err)
	}

	scheduler := jobscheduler.New(ctx, cfg.Scheduler)
	fetcher := upstream.New(httpClient).WithMetrics(metricsClient)
	policy := policyclient.New(cfg.Policy, policyclient.NewHTTPTransport(httpClient)).WithMetrics(metricsClient)

	deps := router.Deps{
		Fetcher:    fetcher,
		Policy:     policy,
		Metrics:    metricsClient,
		Scheduler:  scheduler,
		HTTPClient: httpClient,
		CrateCache: cratecache.New(),
	}
	if tokenManager != nil {
		deps.GitHubToken = tokenManager.GetTokenForOrg
	}

	build, err := router.New(ctx, cfg, deps)
	if err != nil {
		return fmt.Errorf("build router: %w", err)
	}

	if err := startSnapshotUploaders(ctx, cfg, build, scheduler); err != nil {
		logger.WarnContext(ctx, "index snapshot uploader not started", "error", err)
	}

	server := newServer(ctx, build.Mux, cfg)
	logger.InfoContext(ctx, "starting seedwingd", "bind", cfg.Proxy.Bind, "port", cfg.Proxy.Port)
	return server.ListenAndServe()
}

func startSnapshotUploaders(ctx context.Context, cfg config.Config, build *router.Build, scheduler jobscheduler.Scheduler) error {
	if cfg.Snapshot.Bucket == "" || cfg.Snapshot.Endpoint == "" {
		return nil
	}
	if len(build.GitRepositories) == 0 {
		return nil
	}

	interval, err := time.ParseDuration(cfg.Snapshot.Interval)
	if err != nil || interval <= 0 {
		return errors.New("snapshot.interval must be a valid positive duration")
	}

	minioClient, err := minio.New(cfg.Snapshot.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.Snapshot.AccessKey, cfg.Snapshot.SecretKey, ""),
		Secure: cfg.Snapshot.UseSSL,
	})
	if err != nil {
		return fmt.Errorf("create minio client: %w", err)
	}

	store, err := snapshot.OpenStore(cfg.Proxy.CacheDir + "/snapshot.db")
	if err != nil {
		return fmt.Errorf("open snapshot tracking store: %w", err)
	}

	for scope, gitRepo := range build.GitRepositories {
		uploader := snapshot.NewUploader(cfg.Proxy.GitCmd, gitRepo.RepositoryPath(), scope, cfg.Snapshot.Bucket, minioClient, store)
		scheduler.SubmitPeriodicJob(scope, "snapshot-upload", interval, uploader.Run)
	}
	return nil
}

// extractScopePrefix extracts the leading path segment ("crates", "m2", ...)
// for metrics labeling, mirroring the teacher's extractPathPrefix.
func extractScopePrefix(path string) string {
	trimmed := path
	for len(trimmed) > 0 && trimmed[0] == '/' {
		trimmed = trimmed[1:]
	}
	for i, c := range trimmed {
		if c == '/' {
			return trimmed[:i]
		}
	}
	return trimmed
}

func newServer(ctx context.Context, mux *http.ServeMux, cfg config.Config) *http.Server {
	logger := logging.FromContext(ctx)

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		labeler, _ := otelhttp.LabelerFromContext(r.Context())
		labeler.Add(attribute.String("seedwing.scope", extractScopePrefix(r.URL.Path)))
		mux.ServeHTTP(w, r)
	})

	handler = otelhttp.NewMiddleware(cfg.Metrics.ServiceName,
		otelhttp.WithMeterProvider(otel.GetMeterProvider()),
		otelhttp.WithTracerProvider(otel.GetTracerProvider()),
	)(handler)

	handler = httputil.LoggingMiddleware(handler)

	bind := fmt.Sprintf("%s:%d", cfg.Proxy.Bind, cfg.Proxy.Port)
	return &http.Server{
		Addr:              bind,
		Handler:           handler,
		ReadTimeout:       30 * time.Minute,
		WriteTimeout:      30 * time.Minute,
		ReadHeaderTimeout: 30 * time.Second,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			return logging.ContextWithLogger(ctx, logger.With("client", c.RemoteAddr().String()))
		},
	}
}

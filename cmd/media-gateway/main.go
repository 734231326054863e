// Command media-gateway is a streaming gateway for media stored on local
// disk, S3-compatible object storage, or a third-party file-sharing
// service, with a disk-backed proxy cache and subtitle translation.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/wolfeidau/media-gateway/server"
	"github.com/wolfeidau/media-gateway/telemetry"
)

var cli struct {
	Address  string `help:"Address to listen on." default:":8080" env:"ADDRESS"`
	CacheDir string `help:"Directory for the proxy cache and its indexes." default:"./cache" env:"CACHE_DIR"`

	SiteHost       string `help:"Host whose pages may embed streams; empty disables the Referer check." env:"SITE_HOST"`
	LocalMediaRoot string `help:"Directory local media locators are confined to." env:"LOCAL_MEDIA_ROOT"`
	SessionCookie  string `help:"Cookie checked for session-gated media." env:"SESSION_COOKIE"`

	DBDriver string `help:"Metadata database driver (sqlite, postgres)." default:"sqlite" env:"DB_DRIVER"`
	DBDSN    string `name:"db-dsn" help:"Metadata database DSN." env:"DB_DSN"`

	ShareBaseURL string `help:"Download endpoint of the file-sharing origin." env:"SHARE_BASE_URL"`

	ObjectStoreEndpoint  string `help:"S3-compatible endpoint; empty disables the object-storage backend." env:"OBJECT_STORE_ENDPOINT"`
	ObjectStoreBucket    string `help:"Bucket holding media objects." env:"OBJECT_STORE_BUCKET"`
	ObjectStoreRegion    string `help:"Region for SigV4 signing." default:"us-east-1" env:"OBJECT_STORE_REGION"`
	ObjectStoreAccessKey string `help:"Object store access key id." env:"OBJECT_STORE_ACCESS_KEY"`
	ObjectStoreSecretKey string `help:"Object store secret access key." env:"OBJECT_STORE_SECRET_KEY"`

	TranslateBackendURL string `help:"Chat-completions API base URL." env:"TRANSLATE_BACKEND_URL"`
	TranslateAPIKey     string `help:"Translation API key; empty disables /translate." env:"TRANSLATE_API_KEY"`
	TranslateModel      string `help:"Model used for subtitle translation." env:"TRANSLATE_MODEL"`

	CacheTTL      time.Duration `help:"Cache TTL since last access (0 for the 7 day default)." env:"CACHE_TTL"`
	CacheMaxSize  int64         `help:"Maximum cache size in bytes (0 for the 10 GiB default)." env:"CACHE_MAX_SIZE"`
	SweepInterval time.Duration `help:"How often eviction runs (0 for the 1 hour default)." env:"SWEEP_INTERVAL"`
	NegativeTTL   time.Duration `help:"How long durable upstream failures are remembered." env:"NEGATIVE_TTL"`

	AuthToken string `help:"Bearer token guarding /translate and /stats." env:"AUTH_TOKEN"`

	MetricsOTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export." env:"METRICS_OTLP_ENDPOINT"`
	MetricsPrometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"true" env:"METRICS_PROMETHEUS"`

	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info" env:"LOG_LEVEL"`
	LogFormat string `help:"Log format (text, json)." default:"text" env:"LOG_FORMAT"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

var version = "dev"

func main() {
	// Flags win over the environment, the environment over .env.
	_ = godotenv.Load()

	kong.Parse(&cli,
		kong.Name("media-gateway"),
		kong.Description("Origin-gated media streaming gateway with a disk-backed proxy cache."),
		kong.Vars{"version": version},
	)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := buildLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}

	shutdownMetrics, err := telemetry.InitMetrics(context.Background(), telemetry.MetricsConfig{
		ServiceVersion:   version,
		OTLPEndpoint:     cli.MetricsOTLPEndpoint,
		EnablePrometheus: cli.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initialising metrics: %w", err)
	}

	srv, err := server.New(server.Config{
		Address:              cli.Address,
		CacheDir:             cli.CacheDir,
		SiteHost:             cli.SiteHost,
		LocalMediaRoot:       cli.LocalMediaRoot,
		SessionCookie:        cli.SessionCookie,
		DBDriver:             cli.DBDriver,
		DBDSN:                cli.DBDSN,
		ShareBaseURL:         cli.ShareBaseURL,
		ObjectStoreEndpoint:  cli.ObjectStoreEndpoint,
		ObjectStoreBucket:    cli.ObjectStoreBucket,
		ObjectStoreRegion:    cli.ObjectStoreRegion,
		ObjectStoreAccessKey: cli.ObjectStoreAccessKey,
		ObjectStoreSecretKey: cli.ObjectStoreSecretKey,
		TranslateBackendURL:  cli.TranslateBackendURL,
		TranslateAPIKey:      cli.TranslateAPIKey,
		TranslateModel:       cli.TranslateModel,
		CacheTTL:             cli.CacheTTL,
		CacheMaxSize:         cli.CacheMaxSize,
		SweepInterval:        cli.SweepInterval,
		NegativeTTL:          cli.NegativeTTL,
		AuthToken:            cli.AuthToken,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	// Handle shutdown signals
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	// Start server in goroutine
	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"address", srv.Address(),
		"stream_url", fmt.Sprintf("http://localhost%s/stream/{id}", srv.Address()),
		"metrics_url", fmt.Sprintf("http://localhost%s/metrics", srv.Address()),
	)

	// Wait for shutdown or error
	select {
	case <-ctx.Done():
		// Graceful shutdown
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return shutdownMetrics(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger(levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	switch levelName {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}

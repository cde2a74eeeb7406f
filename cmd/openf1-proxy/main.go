package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Sternrassler/openf1-proxy/pkg/config"
	"github.com/Sternrassler/openf1-proxy/pkg/logging"
)

// options holds the command line flags. Only flags set explicitly override
// the file and environment configuration.
type options struct {
	configPath   string
	port         int
	upstreamURL  string
	redisURL     string
	cacheBackend string
	requestDelay time.Duration
	maxRetries   int
	logLevel     string
	logPretty    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "openf1-proxy",
		Short: "Caching, rate limited proxy for the OpenF1 API",
		Long: `openf1-proxy serves OpenF1 data from a cache, funnels every upstream
request through a single paced queue and pushes refreshed data to
websocket subscribers.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}

			logging.Setup(logging.Config{
				Level:   logging.LogLevel(cfg.Log.Level),
				Pretty:  cfg.Log.Pretty,
				Output:  os.Stderr,
				Service: "openf1-proxy",
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := run(ctx, cfg); err != nil {
				log.Error().Err(err).Msg("Proxy stopped with error")
				return err
			}
			return nil
		},
	}

	bindFlags(cmd, opts)
	return cmd
}

func bindFlags(cmd *cobra.Command, opts *options) {
	defaults := config.Default()
	flags := cmd.Flags()

	flags.StringVarP(&opts.configPath, "config", "c", "", "path to a YAML config file")
	flags.IntVarP(&opts.port, "port", "p", defaults.Server.Port, "HTTP listen port")
	flags.StringVar(&opts.upstreamURL, "upstream-url", defaults.Upstream.URL, "OpenF1 API base URL")
	flags.StringVar(&opts.redisURL, "redis-url", "", "Redis URL or host:port (enables shared cache state and relay)")
	flags.StringVar(&opts.cacheBackend, "cache-backend", defaults.Cache.Backend, "cache backend: memory or redis")
	flags.DurationVar(&opts.requestDelay, "request-delay", defaults.Scheduler.RequestDelay, "minimum gap between upstream requests")
	flags.IntVar(&opts.maxRetries, "max-retries", defaults.Upstream.MaxRetries, "attempts per upstream request")
	flags.StringVar(&opts.logLevel, "log-level", defaults.Log.Level, "log level: debug, info, warn, error")
	flags.BoolVar(&opts.logPretty, "log-pretty", false, "human readable console logs")
}

// loadConfig resolves defaults, the config file, the environment and the
// explicitly set flags, then validates the result.
func loadConfig(cmd *cobra.Command, opts *options) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}

	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = opts.port
	}
	if flags.Changed("upstream-url") {
		cfg.Upstream.URL = opts.upstreamURL
	}
	if flags.Changed("redis-url") {
		cfg.Redis.URL = opts.redisURL
	}
	if flags.Changed("cache-backend") {
		cfg.Cache.Backend = opts.cacheBackend
	}
	if flags.Changed("request-delay") {
		cfg.Scheduler.RequestDelay = opts.requestDelay
	}
	if flags.Changed("max-retries") {
		cfg.Upstream.MaxRetries = opts.maxRetries
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if flags.Changed("log-pretty") {
		cfg.Log.Pretty = opts.logPretty
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// run serves until ctx is cancelled, then shuts everything down in order.
func run(ctx context.Context, cfg config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           a.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", server.Addr).
			Str("upstream", cfg.Upstream.URL).
			Str("cache_backend", cfg.Cache.Backend).
			Dur("request_delay", cfg.Scheduler.RequestDelay).
			Bool("redis", cfg.Redis.URL != "").
			Msg("Starting OpenF1 proxy")
		serveErr <- server.ListenAndServe()
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("Shutdown signal received")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := a.shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Component shutdown failed")
		runErr = errors.Join(runErr, err)
	}

	log.Info().Msg("OpenF1 proxy stopped")
	return runErr
}

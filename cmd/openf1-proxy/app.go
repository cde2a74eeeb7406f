package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/openf1-proxy/pkg/broadcast"
	"github.com/Sternrassler/openf1-proxy/pkg/cache"
	"github.com/Sternrassler/openf1-proxy/pkg/client"
	"github.com/Sternrassler/openf1-proxy/pkg/config"
	"github.com/Sternrassler/openf1-proxy/pkg/logging"
	"github.com/Sternrassler/openf1-proxy/pkg/proxy"
	"github.com/Sternrassler/openf1-proxy/pkg/ratelimit"
	"github.com/Sternrassler/openf1-proxy/pkg/warmup"
)

// app owns every long lived component. Components are built once here and
// injected; nothing is package global.
type app struct {
	cfg    config.Config
	logger zerolog.Logger
	now    func() time.Time

	redis       *redis.Client
	store       cache.Store[json.RawMessage]
	tracker     *ratelimit.Tracker
	scheduler   *ratelimit.Scheduler
	broadcaster *broadcast.Broadcaster
	relay       *broadcast.Relay
	service     *proxy.Service
	warmer      *warmup.Warmer
}

func newApp(ctx context.Context, cfg config.Config) (_ *app, err error) {
	a := &app{
		cfg:    cfg,
		logger: logging.NewLogger("server"),
		now:    time.Now,
	}
	defer func() {
		if err != nil {
			_ = a.shutdown(context.Background())
		}
	}()

	if cfg.Redis.URL != "" {
		opts, err := cfg.RedisOptions()
		if err != nil {
			return nil, err
		}
		a.redis = redis.NewClient(opts)
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("connect to redis at %s: %w", opts.Addr, err)
		}
		a.logger.Info().Str("addr", opts.Addr).Msg("Connected to Redis")
	}

	switch cfg.Cache.Backend {
	case config.BackendRedis:
		if a.redis == nil {
			return nil, errors.New("redis cache backend requires a redis url")
		}
		a.store = cache.NewRedisStore[json.RawMessage](a.redis, cfg.Cache.RedisPrefix)
	default:
		a.store = cache.NewMemoryStore[json.RawMessage](cache.MemoryConfig{
			MaxEntries:    cfg.Cache.MaxEntries,
			SweepInterval: cfg.Cache.SweepInterval,
		})
	}

	a.tracker = ratelimit.NewTracker(a.redis, logging.NewLogger("ratelimit"))

	upstream, err := client.New(client.Config{
		BaseURL:   cfg.Upstream.URL,
		UserAgent: cfg.Upstream.UserAgent,
		Timeout:   cfg.Upstream.Timeout,
		Retry: client.RetryConfig{
			MaxRetries:  cfg.Upstream.MaxRetries,
			BaseBackoff: cfg.Upstream.BaseBackoff,
			MaxBackoff:  cfg.Upstream.MaxBackoff,
		},
		Observer: a.tracker,
	})
	if err != nil {
		return nil, fmt.Errorf("create upstream client: %w", err)
	}

	a.scheduler, err = ratelimit.NewScheduler(ratelimit.Config{
		Delay:         cfg.Scheduler.RequestDelay,
		JobTimeout:    cfg.Scheduler.JobTimeout,
		MaxQueueDepth: cfg.Scheduler.MaxQueueDepth,
		Tracker:       a.tracker,
	})
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	a.broadcaster = broadcast.New()
	if a.redis != nil {
		a.relay = broadcast.NewRelay(a.redis, cfg.Redis.RelayChannel, a.broadcaster)
		// The relay outlives the signal context; shutdown closes it after the
		// HTTP server has drained.
		if err := a.relay.Start(context.Background()); err != nil {
			return nil, fmt.Errorf("start broadcast relay: %w", err)
		}
		a.broadcaster.UseTransport(a.relay)
	}

	a.service, err = proxy.New(proxy.Config{
		Cache:     a.store,
		Scheduler: a.scheduler,
		Fetcher:   upstream,
		Publisher: a.broadcaster,
	})
	if err != nil {
		return nil, fmt.Errorf("create proxy service: %w", err)
	}
	a.warmer = warmup.New(a.service, warmup.DefaultConfig())

	return a, nil
}

// wsConfig restricts websocket origins to the configured CORS origin.
func (a *app) wsConfig() broadcast.WSConfig {
	cfg := broadcast.DefaultWSConfig()
	origin := a.cfg.Server.CORSOrigin
	if origin != "" && origin != "*" {
		cfg.CheckOrigin = func(r *http.Request) bool {
			o := r.Header.Get("Origin")
			return o == "" || o == origin
		}
	}
	return cfg
}

// shutdown stops the components after the HTTP server: scheduler,
// broadcaster, relay, cache, redis. Every step runs even if an earlier one failed.
func (a *app) shutdown(ctx context.Context) error {
	var errs []error

	if a.scheduler != nil {
		if err := a.scheduler.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close scheduler: %w", err))
		}
	}
	if a.broadcaster != nil {
		if err := a.broadcaster.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close broadcaster: %w", err))
		}
	}
	if a.relay != nil {
		if err := a.relay.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close relay: %w", err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close cache: %w", err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}

	return errors.Join(errs...)
}

package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/Sternrassler/openf1-proxy/pkg/cache"
	"github.com/Sternrassler/openf1-proxy/pkg/ratelimit"
)

// Prometheus metrics for proxied requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openf1_proxy_requests_total",
		Help: "Total proxied resource requests by resource and result",
	}, []string{"resource", "result"})

	coalescedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openf1_proxy_coalesced_total",
		Help: "Requests that shared another caller's in-flight refill",
	}, []string{"resource"})
)

var (
	// ErrUnknownResource is returned for a resource name that is not proxied.
	ErrUnknownResource = errors.New("unknown resource")

	// ErrInvalidParams is returned when parameters are missing, extra or not integers.
	ErrInvalidParams = errors.New("invalid parameters")

	// ErrNotFound is returned when a lookup finds nothing.
	ErrNotFound = errors.New("not found")
)

// Fetcher retrieves one upstream payload. *client.Client satisfies it.
type Fetcher interface {
	Fetch(ctx context.Context, path string, query url.Values) (json.RawMessage, error)
}

// Publisher announces refills. *broadcast.Broadcaster satisfies it.
type Publisher interface {
	Publish(ctx context.Context, eventType string, payload any) error
}

// Config wires a Service to its collaborators. Publisher is optional.
type Config struct {
	Cache     cache.Store[json.RawMessage]
	Scheduler *ratelimit.Scheduler
	Fetcher   Fetcher
	Publisher Publisher
}

// Service is the read-through entry point for every proxied resource.
type Service struct {
	cache     cache.Store[json.RawMessage]
	scheduler *ratelimit.Scheduler
	fetcher   Fetcher
	publisher Publisher
	flights   singleflight.Group
	logger    zerolog.Logger
}

// New creates a Service.
func New(cfg Config) (*Service, error) {
	if cfg.Cache == nil {
		return nil, errors.New("cache is required")
	}
	if cfg.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	if cfg.Fetcher == nil {
		return nil, errors.New("fetcher is required")
	}
	return &Service{
		cache:     cfg.Cache,
		scheduler: cfg.Scheduler,
		fetcher:   cfg.Fetcher,
		publisher: cfg.Publisher,
		logger:    log.With().Str("component", "proxy").Logger(),
	}, nil
}

// request is a validated resource request.
type request struct {
	resource Resource
	values   []int64
	key      string
}

func newRequest(name string, params []string) (request, error) {
	res, ok := Lookup(name)
	if !ok {
		return request{}, fmt.Errorf("%w: %q", ErrUnknownResource, name)
	}
	if len(params) != len(res.Params) {
		return request{}, fmt.Errorf("%w: %s takes %d parameter(s), got %d",
			ErrInvalidParams, name, len(res.Params), len(params))
	}

	values := make([]int64, len(params))
	keyParts := make([]any, len(params))
	for i, raw := range params {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return request{}, fmt.Errorf("%w: %s must be an integer, got %q",
				ErrInvalidParams, res.Params[i].Name, raw)
		}
		values[i] = v
		keyParts[i] = v
	}

	return request{
		resource: res,
		values:   values,
		key:      cache.NewKey(res.Name, keyParts...).String(),
	}, nil
}

func (r request) query() url.Values {
	q := url.Values{}
	for i, p := range r.resource.Params {
		q.Set(p.Query, strconv.FormatInt(r.values[i], 10))
	}
	return q
}

// eventPayload is {param: value..., "data": payload}.
func (r request) eventPayload(payload json.RawMessage) map[string]any {
	out := make(map[string]any, len(r.values)+1)
	for i, p := range r.resource.Params {
		out[p.Name] = r.values[i]
	}
	out["data"] = payload
	return out
}

// Get returns the payload for resource name with params, from cache when
// live. A miss is refilled through the scheduler; concurrent misses for the
// same key share one refill. The returned payload must not be modified.
func (s *Service) Get(ctx context.Context, name string, params ...string) (json.RawMessage, error) {
	req, err := newRequest(name, params)
	if err != nil {
		return nil, err
	}

	if payload, ok := s.lookup(ctx, req); ok {
		requestsTotal.WithLabelValues(name, "hit").Inc()
		return payload, nil
	}

	flight := s.flights.DoChan(req.key, func() (any, error) {
		// The refill belongs to every waiting caller, not just the first.
		return s.refill(context.WithoutCancel(ctx), req)
	})

	select {
	case res := <-flight:
		if res.Shared {
			coalescedTotal.WithLabelValues(name).Inc()
		}
		if res.Err != nil {
			requestsTotal.WithLabelValues(name, "error").Inc()
			return nil, res.Err
		}
		requestsTotal.WithLabelValues(name, "miss").Inc()
		return res.Val.(json.RawMessage), nil
	case <-ctx.Done():
		requestsTotal.WithLabelValues(name, "abandoned").Inc()
		return nil, ctx.Err()
	}
}

// lookup reads the cache. Backend errors count as misses.
func (s *Service) lookup(ctx context.Context, req request) (json.RawMessage, bool) {
	payload, err := s.cache.Get(ctx, req.key)
	if err == nil {
		s.logger.Debug().Str("key", req.key).Msg("Cache hit")
		return payload, true
	}
	if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.Warn().Err(err).Str("key", req.key).Msg("Cache read failed, treating as miss")
	} else {
		s.logger.Debug().Str("key", req.key).Msg("Cache miss")
	}
	return nil, false
}

// refill runs inside a flight: re-check the cache, fetch through the
// scheduler, store, publish.
func (s *Service) refill(ctx context.Context, req request) (json.RawMessage, error) {
	// A flight that finished just before this one started may have filled it.
	if payload, ok := s.lookup(ctx, req); ok {
		return payload, nil
	}

	path := req.resource.UpstreamPath
	query := req.query()
	payload, err := ratelimit.Run(ctx, s.scheduler, func(jobCtx context.Context) (json.RawMessage, error) {
		return s.fetcher.Fetch(jobCtx, path, query)
	})
	if err != nil {
		s.logger.Error().
			Err(err).
			Str("resource", req.resource.Name).
			Str("key", req.key).
			Msg("Refill failed")
		return nil, fmt.Errorf("fetch %s: %w", req.key, err)
	}

	if err := s.cache.Set(ctx, req.key, payload, req.resource.TTL); err != nil {
		s.logger.Warn().Err(err).Str("key", req.key).Msg("Cache write failed")
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(ctx, req.resource.Name, req.eventPayload(payload)); err != nil {
			s.logger.Warn().Err(err).Str("resource", req.resource.Name).Msg("Publish failed")
		}
	}

	s.logger.Info().
		Str("resource", req.resource.Name).
		Str("key", req.key).
		Dur("ttl", req.resource.TTL).
		Int("bytes", len(payload)).
		Msg("Cache refilled")

	return payload, nil
}

// Ping checks the cache backend.
func (s *Service) Ping(ctx context.Context) error {
	return s.cache.Ping(ctx)
}

// SchedulerState exposes the scheduler snapshot for diagnostics.
func (s *Service) SchedulerState(ctx context.Context) ratelimit.SchedulerState {
	return s.scheduler.State(ctx)
}

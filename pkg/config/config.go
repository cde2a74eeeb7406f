// Package config loads the proxy configuration.
//
// Precedence, lowest first: Default, YAML file, environment, command line
// flags (applied by cmd/openf1-proxy).
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"gopkg.in/yaml.v3"
)

// Cache backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Config is the complete proxy configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Upstream  UpstreamConfig  `yaml:"upstream"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Cache     CacheConfig     `yaml:"cache"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	CORSOrigin      string        `yaml:"cors_origin"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type UpstreamConfig struct {
	URL         string        `yaml:"url"`
	UserAgent   string        `yaml:"user_agent"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
}

type SchedulerConfig struct {
	RequestDelay  time.Duration `yaml:"request_delay"`
	JobTimeout    time.Duration `yaml:"job_timeout"`
	MaxQueueDepth int           `yaml:"max_queue_depth"`
}

type CacheConfig struct {
	Backend       string        `yaml:"backend"`
	MaxEntries    int           `yaml:"max_entries"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	RedisPrefix   string        `yaml:"redis_prefix"`
}

// RedisConfig enables Redis. URL is either a redis:// URL or host:port.
// An empty URL disables the Redis cache backend, cooldown sharing and the
// broadcast relay.
type RedisConfig struct {
	URL          string `yaml:"url"`
	RelayChannel string `yaml:"relay_channel"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:            5000,
			CORSOrigin:      "*",
			ShutdownTimeout: 15 * time.Second,
		},
		Upstream: UpstreamConfig{
			URL:         "https://api.openf1.org/v1",
			UserAgent:   "openf1-proxy/0.1.0",
			Timeout:     30 * time.Second,
			MaxRetries:  3,
			BaseBackoff: 500 * time.Millisecond,
		},
		Scheduler: SchedulerConfig{
			RequestDelay:  time.Second,
			JobTimeout:    2 * time.Minute,
			MaxQueueDepth: 256,
		},
		Cache: CacheConfig{
			Backend:       BackendMemory,
			MaxEntries:    10000,
			SweepInterval: time.Minute,
			RedisPrefix:   "openf1:",
		},
		Redis: RedisConfig{
			RelayChannel: "openf1:events",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load builds a configuration from defaults, the optional YAML file at path
// and the process environment. It does not validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return cfg, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadFile overlays the YAML file at path. Keys absent from the file keep
// their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	integer := func(key string, dst *int) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
	duration := func(key string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		d, err := ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
	boolean := func(key string, dst *bool) {
		v, ok := lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}

	integer("PORT", &c.Server.Port)
	str("CORS_ORIGIN", &c.Server.CORSOrigin)
	str("UPSTREAM_URL", &c.Upstream.URL)
	str("USER_AGENT", &c.Upstream.UserAgent)
	integer("MAX_RETRIES", &c.Upstream.MaxRetries)
	duration("BASE_BACKOFF", &c.Upstream.BaseBackoff)
	duration("REQUEST_DELAY", &c.Scheduler.RequestDelay)
	duration("JOB_TIMEOUT", &c.Scheduler.JobTimeout)
	integer("MAX_QUEUE_DEPTH", &c.Scheduler.MaxQueueDepth)
	str("CACHE_BACKEND", &c.Cache.Backend)
	integer("CACHE_MAX_ENTRIES", &c.Cache.MaxEntries)
	str("REDIS_URL", &c.Redis.URL)
	str("LOG_LEVEL", &c.Log.Level)
	boolean("LOG_PRETTY", &c.Log.Pretty)

	return errors.Join(errs...)
}

// ParseDuration accepts a Go duration ("1.5s") or a bare integer of milliseconds.
func ParseDuration(value string) (time.Duration, error) {
	value = strings.TrimSpace(value)
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond, nil
	}
	return time.ParseDuration(value)
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port must be 1-65535 (got %d)", c.Server.Port))
	}
	if u, err := url.ParseRequestURI(c.Upstream.URL); err != nil || u.Host == "" {
		errs = append(errs, fmt.Errorf("upstream.url must be an absolute URL (got %q)", c.Upstream.URL))
	}
	if c.Upstream.UserAgent == "" {
		errs = append(errs, errors.New("upstream.user_agent is required"))
	}
	if c.Upstream.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("upstream.max_retries must be >= 1 (got %d)", c.Upstream.MaxRetries))
	}
	if c.Upstream.BaseBackoff < 0 {
		errs = append(errs, fmt.Errorf("upstream.base_backoff must not be negative (got %s)", c.Upstream.BaseBackoff))
	}
	if c.Scheduler.RequestDelay < 0 {
		errs = append(errs, fmt.Errorf("scheduler.request_delay must not be negative (got %s)", c.Scheduler.RequestDelay))
	}
	if c.Scheduler.JobTimeout < 0 {
		errs = append(errs, fmt.Errorf("scheduler.job_timeout must not be negative (got %s)", c.Scheduler.JobTimeout))
	}
	if c.Scheduler.MaxQueueDepth < 0 {
		errs = append(errs, fmt.Errorf("scheduler.max_queue_depth must not be negative (got %d)", c.Scheduler.MaxQueueDepth))
	}
	switch c.Cache.Backend {
	case BackendMemory:
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, errors.New("cache.backend redis requires redis.url"))
		}
	default:
		errs = append(errs, fmt.Errorf("cache.backend must be %q or %q (got %q)", BackendMemory, BackendRedis, c.Cache.Backend))
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, fmt.Errorf("cache.max_entries must not be negative (got %d)", c.Cache.MaxEntries))
	}
	if c.Redis.URL != "" {
		if _, err := c.RedisOptions(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// RedisOptions converts Redis.URL into client options.
func (c Config) RedisOptions() (*redis.Options, error) {
	if strings.HasPrefix(c.Redis.URL, "redis://") || strings.HasPrefix(c.Redis.URL, "rediss://") {
		opts, err := redis.ParseURL(c.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("redis.url: %w", err)
		}
		return opts, nil
	}
	if c.Redis.URL == "" {
		return nil, errors.New("redis.url is empty")
	}
	return &redis.Options{Addr: c.Redis.URL}, nil
}

// Addr is the HTTP listen address.
func (c Config) Addr() string {
	return ":" + strconv.Itoa(c.Server.Port)
}

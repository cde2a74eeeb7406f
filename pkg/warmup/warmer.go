package warmup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
)

var warmTargetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "openf1_warmup_targets_total",
	Help: "Session warm-up targets by outcome",
}, []string{"outcome"})

// ErrPartial is returned together with a Report when some targets failed.
var ErrPartial = errors.New("session warm-up incomplete")

// Getter is the read-through lookup used for every target. *proxy.Service satisfies it.
type Getter interface {
	Get(ctx context.Context, name string, params ...string) (json.RawMessage, error)
}

// Config holds warmer configuration.
type Config struct {
	// MaxConcurrency is the number of targets waiting in the scheduler at once.
	MaxConcurrency int

	// Timeout per target, queue wait included.
	Timeout time.Duration
}

// DefaultConfig returns the default warmer configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency: 4,
		Timeout:        3 * time.Minute,
	}
}

// Target is one resource lookup.
type Target struct {
	Resource string   `json:"resource"`
	Params   []string `json:"params"`
}

// Failure records a target that could not be warmed.
type Failure struct {
	Target
	Error string `json:"error"`
}

// Report summarizes one WarmSession call.
type Report struct {
	SessionKey int64         `json:"session_key"`
	Drivers    []int64       `json:"drivers"`
	Targets    int           `json:"targets"`
	Warmed     int           `json:"warmed"`
	Failed     []Failure     `json:"failed,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
}

// Session-wide and per-driver resources, in request order.
var (
	sessionResources = []string{"session-results", "grid"}
	driverResources  = []string{"stints", "laps", "positions"}
)

// Warmer fans session targets out over a worker pool.
type Warmer struct {
	getter Getter
	config Config
	logger zerolog.Logger
}

// New creates a Warmer.
func New(getter Getter, config Config) *Warmer {
	if config.MaxConcurrency <= 0 {
		config.MaxConcurrency = 4
	}
	if config.Timeout <= 0 {
		config.Timeout = 3 * time.Minute
	}

	return &Warmer{
		getter: getter,
		config: config,
		logger: log.With().Str("component", "warmup").Logger(),
	}
}

// WarmSession fetches the drivers of sessionKey, then every session and
// per-driver target. A failed driver lookup aborts; failed targets are
// reported and wrapped in ErrPartial.
func (w *Warmer) WarmSession(ctx context.Context, sessionKey int64) (Report, error) {
	start := time.Now()
	key := strconv.FormatInt(sessionKey, 10)
	report := Report{SessionKey: sessionKey}

	drivers, err := w.getter.Get(ctx, "drivers", key)
	if err != nil {
		return report, fmt.Errorf("failed to fetch drivers: %w", err)
	}
	report.Drivers = driverNumbers(drivers)

	targets := make([]Target, 0, len(sessionResources)+len(report.Drivers)*len(driverResources))
	for _, res := range sessionResources {
		targets = append(targets, Target{Resource: res, Params: []string{key}})
	}
	for _, driver := range report.Drivers {
		number := strconv.FormatInt(driver, 10)
		for _, res := range driverResources {
			targets = append(targets, Target{Resource: res, Params: []string{key, number}})
		}
	}
	report.Targets = len(targets) + 1

	w.logger.Info().
		Int64("session_key", sessionKey).
		Int("drivers", len(report.Drivers)).
		Int("targets", report.Targets).
		Msg("Starting session warm-up")

	queue := make(chan Target, len(targets))
	for _, t := range targets {
		queue <- t
	}
	close(queue)

	results := make(chan Failure, len(targets))
	var wg sync.WaitGroup
	for i := 0; i < w.config.MaxConcurrency; i++ {
		wg.Add(1)
		go w.worker(ctx, queue, results, &wg, i)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	// The driver lookup counts as warmed.
	report.Warmed = 1
	warmTargetsTotal.WithLabelValues("warmed").Inc()
	for res := range results {
		if res.Error != "" {
			report.Failed = append(report.Failed, res)
			warmTargetsTotal.WithLabelValues("failed").Inc()
			continue
		}
		report.Warmed++
		warmTargetsTotal.WithLabelValues("warmed").Inc()
	}

	// Targets never picked up because ctx ended.
	if skipped := report.Targets - report.Warmed - len(report.Failed); skipped > 0 {
		warmTargetsTotal.WithLabelValues("skipped").Add(float64(skipped))
		report.Failed = append(report.Failed, Failure{
			Target: Target{Resource: "*"},
			Error:  fmt.Sprintf("%d target(s) skipped: %v", skipped, ctx.Err()),
		})
	}
	report.Duration = time.Since(start)

	if len(report.Failed) > 0 {
		w.logger.Warn().
			Int64("session_key", sessionKey).
			Int("warmed", report.Warmed).
			Int("total", report.Targets).
			Dur("duration", report.Duration).
			Msg("Session warm-up incomplete - returning partial results")
		return report, fmt.Errorf("%w (%d/%d targets)", ErrPartial, report.Warmed, report.Targets)
	}

	w.logger.Info().
		Int64("session_key", sessionKey).
		Int("warmed", report.Warmed).
		Dur("duration", report.Duration).
		Msg("Session warm-up complete")
	return report, nil
}

// worker warms targets from the queue until it is empty or ctx ends.
func (w *Warmer) worker(ctx context.Context, queue <-chan Target, results chan<- Failure, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for target := range queue {
		if ctx.Err() != nil {
			w.logger.Debug().
				Int("worker_id", workerID).
				Int("targets_processed", processed).
				Msg("Worker stopping (context cancelled)")
			return
		}

		targetCtx, cancel := context.WithTimeout(ctx, w.config.Timeout)
		_, err := w.getter.Get(targetCtx, target.Resource, target.Params...)
		cancel()

		res := Failure{Target: target}
		if err != nil {
			w.logger.Warn().
				Err(err).
				Int("worker_id", workerID).
				Str("resource", target.Resource).
				Strs("params", target.Params).
				Msg("Warm-up target failed")
			res.Error = err.Error()
		}
		results <- res
		processed++
	}

	w.logger.Debug().
		Int("worker_id", workerID).
		Int("targets_processed", processed).
		Msg("Worker completed")
}

// driverNumbers extracts the distinct driver_number values in order.
func driverNumbers(drivers json.RawMessage) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, d := range gjson.ParseBytes(drivers).Array() {
		n := d.Get("driver_number")
		if n.Type != gjson.Number {
			continue
		}
		if v := n.Int(); !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

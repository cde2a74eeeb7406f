package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for the request scheduler.
var (
	schedulerQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "openf1_scheduler_queue_depth",
		Help: "Number of jobs waiting in the scheduler queue",
	})

	schedulerJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "openf1_scheduler_jobs_total",
		Help: "Total scheduler jobs by outcome",
	}, []string{"outcome"})

	schedulerJobDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "openf1_scheduler_job_duration_seconds",
		Help:    "Job execution time in seconds, retries included",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	})

	schedulerQueueWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "openf1_scheduler_queue_wait_seconds",
		Help:    "Time a job spent queued before execution, in seconds",
		Buckets: []float64{0, 1, 2, 5, 10, 30, 60, 120},
	})
)

var (
	// ErrQueueFull is returned by Enqueue when MaxQueueDepth jobs are waiting.
	ErrQueueFull = errors.New("scheduler queue full")

	// ErrSchedulerClosed is returned for jobs enqueued after, or still queued at, Close.
	ErrSchedulerClosed = errors.New("scheduler closed")

	// ErrJobPanic wraps a panic recovered from a job.
	ErrJobPanic = errors.New("job panicked")
)

// Job is one unit of upstream work. ctx carries the per-job timeout and is
// cancelled when the scheduler closes.
type Job func(ctx context.Context) (any, error)

// Result is delivered exactly once per enqueued job.
type Result struct {
	Value any
	Err   error
}

// Config holds the scheduler configuration.
type Config struct {
	// Delay is the minimum gap between the end of one job and the start of the next.
	Delay time.Duration

	// JobTimeout bounds a single job, retries included. 0 disables it.
	JobTimeout time.Duration

	// MaxQueueDepth bounds the number of waiting jobs. 0 means unbounded.
	MaxQueueDepth int

	// Tracker holds every job start, and stretches the post-job wait, while an
	// upstream cooldown is running.
	Tracker *Tracker
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		Delay:         time.Second,
		JobTimeout:    2 * time.Minute,
		MaxQueueDepth: 256,
	}
}

type queuedJob struct {
	job        Job
	result     chan Result
	enqueuedAt time.Time
}

// Scheduler is a global FIFO queue drained by a single worker goroutine,
// so at most one upstream call is ever in flight.
type Scheduler struct {
	config Config
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	queue      []*queuedJob
	running    bool
	closed     bool
	processed  uint64
	failed     uint64
	lastJobEnd time.Time
}

// NewScheduler creates a scheduler. No goroutine runs until the first Enqueue.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Delay < 0 {
		return nil, fmt.Errorf("delay must not be negative (got %s)", cfg.Delay)
	}
	if cfg.JobTimeout < 0 {
		return nil, fmt.Errorf("job timeout must not be negative (got %s)", cfg.JobTimeout)
	}
	if cfg.MaxQueueDepth < 0 {
		return nil, fmt.Errorf("max queue depth must not be negative (got %d)", cfg.MaxQueueDepth)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		config: cfg,
		logger: log.With().Str("component", "scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Enqueue appends job to the queue and returns the channel its result will be
// delivered on. It never waits for the job; the worker is started if idle.
func (s *Scheduler) Enqueue(job Job) (<-chan Result, error) {
	if job == nil {
		return nil, errors.New("job cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrSchedulerClosed
	}
	if s.config.MaxQueueDepth > 0 && len(s.queue) >= s.config.MaxQueueDepth {
		schedulerJobsTotal.WithLabelValues("rejected").Inc()
		s.logger.Warn().Int("queue_depth", len(s.queue)).Msg("Scheduler queue full, rejecting job")
		return nil, ErrQueueFull
	}

	qj := &queuedJob{
		job:        job,
		result:     make(chan Result, 1),
		enqueuedAt: time.Now(),
	}
	s.queue = append(s.queue, qj)
	schedulerQueueDepth.Set(float64(len(s.queue)))

	s.logger.Debug().Int("queue_depth", len(s.queue)).Bool("worker_running", s.running).Msg("Job enqueued")

	if !s.running {
		s.running = true
		s.wg.Add(1)
		go s.drain()
	}
	return qj.result, nil
}

// Do enqueues job and waits for its result. If ctx ends first, Do returns
// ctx.Err(); the job itself still runs to completion.
func (s *Scheduler) Do(ctx context.Context, job Job) (any, error) {
	resultCh, err := s.Enqueue(job)
	if err != nil {
		return nil, err
	}
	select {
	case res := <-resultCh:
		return res.Value, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run schedules fn and returns its typed result.
func Run[T any](ctx context.Context, s *Scheduler, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	value, err := s.Do(ctx, func(ctx context.Context) (any, error) {
		return fn(ctx)
	})
	if err != nil {
		return zero, err
	}
	typed, ok := value.(T)
	if !ok {
		return zero, fmt.Errorf("unexpected job result type %T", value)
	}
	return typed, nil
}

// drain is the single worker. It exits once the queue is empty after the
// post-job wait; running is flipped under the same lock that guards the queue.
func (s *Scheduler) drain() {
	defer s.wg.Done()

	for {
		s.mu.Lock()
		if s.closed || len(s.queue) == 0 {
			s.running = false
			s.mu.Unlock()
			return
		}
		qj := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		depth := len(s.queue)
		s.mu.Unlock()

		schedulerQueueDepth.Set(float64(depth))

		// A cooldown recorded by another instance applies to an idle worker too.
		if !s.holdForCooldown() {
			qj.result <- Result{Err: ErrSchedulerClosed}
			continue
		}
		schedulerQueueWait.Observe(time.Since(qj.enqueuedAt).Seconds())

		res := s.execute(qj.job)

		s.mu.Lock()
		s.processed++
		if res.Err != nil {
			s.failed++
		}
		s.lastJobEnd = time.Now()
		s.mu.Unlock()

		qj.result <- res

		s.sleep(s.nextWait())
	}
}

// holdForCooldown blocks while the tracker reports a running cooldown. It
// returns false if the scheduler closed in the meantime.
func (s *Scheduler) holdForCooldown() bool {
	if s.config.Tracker == nil {
		return s.ctx.Err() == nil
	}
	for s.ctx.Err() == nil {
		remaining := s.config.Tracker.Remaining(s.ctx)
		if remaining <= 0 {
			return true
		}
		s.logger.Info().Dur("cooldown", remaining).Msg("Holding job for upstream cooldown")
		s.sleep(remaining)
	}
	return false
}

// sleep waits for d or until the scheduler closes.
func (s *Scheduler) sleep(d time.Duration) {
	if d <= 0 {
		return
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-s.ctx.Done():
	}
}

// execute runs one job under the job timeout, converting panics into errors.
func (s *Scheduler) execute(job Job) (res Result) {
	ctx := s.ctx
	if s.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.JobTimeout)
		defer cancel()
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Scheduler job panicked")
			res = Result{Err: fmt.Errorf("%w: %v", ErrJobPanic, r)}
		}

		schedulerJobDuration.Observe(time.Since(start).Seconds())
		outcome := "success"
		if res.Err != nil {
			outcome = "failure"
		}
		schedulerJobsTotal.WithLabelValues(outcome).Inc()
	}()

	value, err := job(ctx)
	return Result{Value: value, Err: err}
}

// nextWait is the fixed delay, stretched to cover a running upstream cooldown.
func (s *Scheduler) nextWait() time.Duration {
	wait := s.config.Delay
	if s.config.Tracker != nil {
		if remaining := s.config.Tracker.Remaining(s.ctx); remaining > wait {
			s.logger.Info().Dur("cooldown", remaining).Msg("Holding queue for upstream cooldown")
			wait = remaining
		}
	}
	return wait
}

// State returns a snapshot of the scheduler.
func (s *Scheduler) State(ctx context.Context) SchedulerState {
	s.mu.Lock()
	state := SchedulerState{
		QueueDepth:    len(s.queue),
		Running:       s.running,
		Closed:        s.closed,
		JobsProcessed: s.processed,
		JobsFailed:    s.failed,
		LastJobEnd:    s.lastJobEnd,
	}
	s.mu.Unlock()

	if s.config.Tracker != nil {
		if until, err := s.config.Tracker.CooldownUntil(ctx); err == nil {
			state.CooldownUntil = until
		}
	}
	return state
}

// Close stops accepting jobs, fails every queued job with ErrSchedulerClosed,
// cancels the running job and waits for the worker to exit or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, qj := range pending {
		qj.result <- Result{Err: ErrSchedulerClosed}
	}
	schedulerQueueDepth.Set(0)
	if len(pending) > 0 {
		s.logger.Warn().Int("pending", len(pending)).Msg("Scheduler closed with queued jobs")
	}

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for scheduler worker: %w", ctx.Err())
	}
}

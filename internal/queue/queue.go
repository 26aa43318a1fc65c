// Package queue serializes platform calls through a single paced worker.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/xpersona/xpersona/internal/apierrors"
	"github.com/xpersona/xpersona/internal/timing"
)

const (
	defaultMinimumDelay        = 1500 * time.Millisecond
	defaultMaximumDelay        = 3500 * time.Millisecond
	defaultErrorPenaltyStep    = 500 * time.Millisecond
	defaultErrorPenaltyCap     = 5 * time.Second
	defaultThinkingProbability = 0.1
	defaultThinkingMinimum     = 2 * time.Second
	defaultThinkingMaximum     = 8 * time.Second
	defaultMaxAttempts         = 3
	defaultBackoffBase         = time.Second

	errMessageQueueClosed = "request queue closed"
	logMessageTaskRetry   = "queued task failed, retrying"
	logMessageTaskFailed  = "queued task failed"
	logMessageTaskPacing  = "pacing before queued task"
)

// ErrClosed is returned by Submit once the queue has stopped accepting work.
var ErrClosed = errors.New(errMessageQueueClosed)

// Config tunes pacing and retries. Zero values select the defaults.
type Config struct {
	MinimumDelay     time.Duration
	MaximumDelay     time.Duration
	ErrorPenaltyStep time.Duration
	ErrorPenaltyCap  time.Duration
	// ThinkingProbability is the chance of an extra pause between tasks. Negative disables it.
	ThinkingProbability float64
	ThinkingMinimum     time.Duration
	ThinkingMaximum     time.Duration
	MaxAttempts         int
	BackoffBase         time.Duration
	// RequestsPerMinute caps throughput on top of pacing. Zero disables the ceiling.
	RequestsPerMinute float64
	Random            *timing.Random
	Sleep             timing.SleepFunc
	Logger            *zap.Logger
}

// Stats summarizes worker activity.
type Stats struct {
	Executed int64 `json:"executed"`
	Failed   int64 `json:"failed"`
	Retried  int64 `json:"retried"`
}

type job struct {
	ctx    context.Context
	name   string
	task   func(context.Context) error
	result chan error
}

// Queue executes submitted tasks one at a time in submission order.
type Queue struct {
	minimumDelay        time.Duration
	maximumDelay        time.Duration
	errorPenaltyStep    time.Duration
	errorPenaltyCap     time.Duration
	thinkingProbability float64
	thinkingMinimum     time.Duration
	thinkingMaximum     time.Duration
	maxAttempts         int
	backoffBase         time.Duration
	limiter             *rate.Limiter
	random              *timing.Random
	sleep               timing.SleepFunc
	logger              *zap.Logger

	jobs      chan job
	closed    chan struct{}
	done      chan struct{}
	startOnce sync.Once
	closeOnce sync.Once

	executed atomic.Int64
	failed   atomic.Int64
	retried  atomic.Int64

	// owned by the worker goroutine
	consecutiveErrors int
	ranFirstTask      bool
}

// New constructs a Queue. Call Start before submitting work.
func New(config Config) *Queue {
	queue := &Queue{
		minimumDelay:        config.MinimumDelay,
		maximumDelay:        config.MaximumDelay,
		errorPenaltyStep:    config.ErrorPenaltyStep,
		errorPenaltyCap:     config.ErrorPenaltyCap,
		thinkingProbability: config.ThinkingProbability,
		thinkingMinimum:     config.ThinkingMinimum,
		thinkingMaximum:     config.ThinkingMaximum,
		maxAttempts:         config.MaxAttempts,
		backoffBase:         config.BackoffBase,
		random:              config.Random,
		sleep:               config.Sleep,
		logger:              config.Logger,
		jobs:                make(chan job),
		closed:              make(chan struct{}),
		done:                make(chan struct{}),
	}
	if queue.minimumDelay == 0 && queue.maximumDelay == 0 {
		queue.minimumDelay = defaultMinimumDelay
		queue.maximumDelay = defaultMaximumDelay
	}
	if queue.maximumDelay < queue.minimumDelay {
		queue.maximumDelay = queue.minimumDelay
	}
	if queue.errorPenaltyStep == 0 {
		queue.errorPenaltyStep = defaultErrorPenaltyStep
	}
	if queue.errorPenaltyCap == 0 {
		queue.errorPenaltyCap = defaultErrorPenaltyCap
	}
	if queue.thinkingProbability == 0 {
		queue.thinkingProbability = defaultThinkingProbability
	}
	if queue.thinkingMinimum == 0 && queue.thinkingMaximum == 0 {
		queue.thinkingMinimum = defaultThinkingMinimum
		queue.thinkingMaximum = defaultThinkingMaximum
	}
	if queue.maxAttempts <= 0 {
		queue.maxAttempts = defaultMaxAttempts
	}
	if queue.backoffBase <= 0 {
		queue.backoffBase = defaultBackoffBase
	}
	if config.RequestsPerMinute > 0 {
		queue.limiter = rate.NewLimiter(rate.Every(time.Duration(float64(time.Minute)/config.RequestsPerMinute)), 1)
	}
	if queue.random == nil {
		queue.random = timing.NewRandom(0)
	}
	if queue.sleep == nil {
		queue.sleep = timing.Wait
	}
	if queue.logger == nil {
		queue.logger = zap.NewNop()
	}
	return queue
}

// Start launches the worker. Later calls are no-ops.
func (queue *Queue) Start(ctx context.Context) {
	queue.startOnce.Do(func() {
		go queue.run(ctx)
	})
}

// Close stops accepting work and waits for the in-flight task to finish.
func (queue *Queue) Close() {
	queue.closeOnce.Do(func() {
		close(queue.closed)
	})
	// A queue that never started has no worker to close done.
	queue.startOnce.Do(func() {
		close(queue.done)
	})
	<-queue.done
}

// Stats returns the worker counters.
func (queue *Queue) Stats() Stats {
	return Stats{
		Executed: queue.executed.Load(),
		Failed:   queue.failed.Load(),
		Retried:  queue.retried.Load(),
	}
}

// Do enqueues task and blocks until the worker has run it.
func (queue *Queue) Do(ctx context.Context, name string, task func(context.Context) error) error {
	submitted := job{ctx: ctx, name: name, task: task, result: make(chan error, 1)}
	select {
	case queue.jobs <- submitted:
	case <-ctx.Done():
		return ctx.Err()
	case <-queue.closed:
		return ErrClosed
	case <-queue.done:
		return ErrClosed
	}
	return <-submitted.result
}

// Submit enqueues a task returning a value and blocks until the worker has run it.
func Submit[T any](ctx context.Context, queue *Queue, name string, task func(context.Context) (T, error)) (T, error) {
	var result T
	err := queue.Do(ctx, name, func(taskCtx context.Context) error {
		value, taskErr := task(taskCtx)
		if taskErr != nil {
			return taskErr
		}
		result = value
		return nil
	})
	return result, err
}

func (queue *Queue) run(ctx context.Context) {
	defer close(queue.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-queue.closed:
			return
		case submitted := <-queue.jobs:
			submitted.result <- queue.execute(submitted)
		}
	}
}

func (queue *Queue) execute(submitted job) error {
	taskCtx := submitted.ctx
	if queue.ranFirstTask {
		delay := queue.pacingDelay()
		queue.logger.Debug(logMessageTaskPacing, zap.String("task", submitted.name), zap.Duration("delay", delay))
		if err := queue.sleep(taskCtx, delay); err != nil {
			return err
		}
	}
	queue.ranFirstTask = true
	if queue.limiter != nil {
		if err := queue.limiter.Wait(taskCtx); err != nil {
			return err
		}
	}

	var lastErr error
	for attempt := 0; attempt < queue.maxAttempts; attempt++ {
		lastErr = submitted.task(taskCtx)
		if lastErr == nil {
			queue.consecutiveErrors = 0
			queue.executed.Add(1)
			return nil
		}
		queue.consecutiveErrors++
		if !apierrors.Retryable(lastErr) || taskCtx.Err() != nil || attempt == queue.maxAttempts-1 {
			break
		}
		backoff := queue.backoff(attempt, lastErr)
		queue.retried.Add(1)
		queue.logger.Warn(logMessageTaskRetry,
			zap.String("task", submitted.name),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr))
		if err := queue.sleep(taskCtx, backoff); err != nil {
			break
		}
	}
	queue.failed.Add(1)
	queue.logger.Warn(logMessageTaskFailed,
		zap.String("task", submitted.name),
		zap.String("kind", apierrors.Classify(lastErr).String()),
		zap.Error(lastErr))
	return lastErr
}

// pacingDelay is the human-like gap between consecutive tasks. It grows with recent failures.
func (queue *Queue) pacingDelay() time.Duration {
	delay := queue.random.Uniform(queue.minimumDelay, queue.maximumDelay)
	penalty := time.Duration(queue.consecutiveErrors) * queue.errorPenaltyStep
	if penalty > queue.errorPenaltyCap {
		penalty = queue.errorPenaltyCap
	}
	delay += penalty
	if queue.random.Chance(queue.thinkingProbability) {
		delay += queue.random.Uniform(queue.thinkingMinimum, queue.thinkingMaximum)
	}
	return delay
}

// backoff doubles per retry with ±20% jitter and never undercuts a server-provided wait.
func (queue *Queue) backoff(attempt int, err error) time.Duration {
	backoff := queue.random.ExponentialBackoff(queue.backoffBase, attempt+1, 0.8, 1.2)
	var rateErr *apierrors.RateLimitedError
	if errors.As(err, &rateErr) && rateErr.RetryAfter > backoff {
		return rateErr.RetryAfter
	}
	return backoff
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/linkhoard/linkhoard/internal/metrics"
)

// Handlers are the callbacks invoked by a Runner for each job. Run executes
// the job; OnComplete fires exactly once after Run returns nil; OnError fires
// on every failed execution, including ones that will be retried.
type Handlers[T any] struct {
	Run        func(ctx context.Context, job *Job[T]) error
	OnComplete func(ctx context.Context, job *Job[T])
	OnError    func(ctx context.Context, job *Job[T], err error)
}

// Options control Runner behavior.
type Options struct {
	// Concurrency is the number of jobs executed in parallel.
	Concurrency int

	// PollInterval is the backoff applied after a dequeue error.
	PollInterval time.Duration

	// Timeout bounds a single job execution. The job's context is canceled
	// when it expires; this is the job's abort signal.
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Concurrency <= 0 {
		o.Concurrency = 1
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	return o
}

// Runner is the dequeue/execute/ack loop for one queue. Delivery is
// at-least-once: a job whose handler fails is requeued while it has retries
// remaining, then marked permanently failed.
type Runner[T any] struct {
	queue    Queue[T]
	handlers Handlers[T]
	opts     Options
	logger   *zap.Logger
}

// NewRunner constructs a Runner for the given queue.
func NewRunner[T any](q Queue[T], handlers Handlers[T], opts Options, logger *zap.Logger) (*Runner[T], error) {
	if q == nil {
		return nil, errors.New("queue is required")
	}
	if handlers.Run == nil {
		return nil, errors.New("run handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	return &Runner[T]{
		queue:    q,
		handlers: handlers,
		opts:     opts.withDefaults(),
		logger:   logger.With(zap.String("queue", q.Name())),
	}, nil
}

// Run blocks, fanning out Concurrency worker loops until the context finishes.
func (r *Runner[T]) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < r.opts.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.workerLoop(ctx)
		}()
	}
	wg.Wait()
}

func (r *Runner[T]) workerLoop(ctx context.Context) {
	for {
		job, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.logger.Error("dequeue failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(r.opts.PollInterval):
			}
			continue
		}
		r.execute(ctx, job)
	}
}

func (r *Runner[T]) execute(ctx context.Context, job *Job[T]) {
	done := metrics.JobStarted(r.queue.Name())
	defer done()

	// The job context doubles as the abort signal: it fires on timeout and
	// on process shutdown.
	jobCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	err := r.runSafely(jobCtx, job)
	if err == nil {
		metrics.JobCompleted(r.queue.Name())
		if r.handlers.OnComplete != nil {
			r.handlers.OnComplete(ctx, job)
		}
		return
	}

	r.logger.Warn("job execution failed",
		zap.String("job_id", job.ID),
		zap.Int("run_number", job.RunNumber),
		zap.Int("retries_remaining", job.RetriesRemaining),
		zap.Error(err),
	)
	if r.handlers.OnError != nil {
		r.handlers.OnError(ctx, job, err)
	}

	if job.RetriesRemaining > 0 && ctx.Err() == nil {
		if rqErr := r.queue.Requeue(ctx, job); rqErr != nil {
			r.logger.Error("requeue failed", zap.String("job_id", job.ID), zap.Error(rqErr))
			metrics.JobFailed(r.queue.Name())
			return
		}
		metrics.JobRetried(r.queue.Name())
		return
	}
	metrics.JobFailed(r.queue.Name())
}

func (r *Runner[T]) runSafely(ctx context.Context, job *Job[T]) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job handler panicked: %v", rec)
		}
	}()
	return r.handlers.Run(ctx, job)
}

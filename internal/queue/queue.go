// Package queue provides a generic, typed job queue abstraction plus the
// runner that executes dequeued jobs with concurrency, timeouts, and retries.
package queue

import (
	"context"

	"github.com/linkhoard/linkhoard/internal/core"
)

// Job wraps a payload ready to run. The queue owns the job for its lifetime;
// payload ownership transfers to the handler for the duration of execution.
type Job[T any] struct {
	ID               string
	Queue            string
	Payload          T
	Priority         core.Priority
	RunNumber        int
	RetriesRemaining int
}

// EnqueueOptions tune a single enqueue call.
type EnqueueOptions struct {
	Priority core.Priority
	Retries  int
}

// Queue provides enqueue/dequeue semantics for typed jobs. Delivery is
// at-least-once: handlers must be idempotent with respect to re-delivery.
type Queue[T any] interface {
	// Name identifies the queue for logging and metrics.
	Name() string

	// Enqueue pushes a payload and returns the assigned job id.
	Enqueue(ctx context.Context, payload T, opts EnqueueOptions) (string, error)

	// Dequeue pops the highest-priority job, blocking until one is
	// available or the context ends.
	Dequeue(ctx context.Context) (*Job[T], error)

	// Requeue puts a failed job back with its retry budget decremented and
	// its run number incremented. The job keeps its id and priority.
	Requeue(ctx context.Context, job *Job[T]) error
}

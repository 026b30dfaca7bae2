// Package memory provides an in-process priority queue implementation.
package memory

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"

	"context"

	"github.com/linkhoard/linkhoard/internal/core"
	"github.com/linkhoard/linkhoard/internal/queue"
)

// ErrQueueClosed is returned once Close has been called.
var ErrQueueClosed = errors.New("queue closed")

// Queue is a bounded in-memory priority queue with context-aware operations.
// Jobs with higher priority dequeue first; equal priorities dequeue FIFO.
type Queue[T any] struct {
	name     string
	capacity int
	idGen    core.IDGenerator

	mu     sync.Mutex
	items  jobHeap[T]
	seq    uint64
	closed bool
	notify chan struct{}
}

// New constructs a queue with the provided capacity.
func New[T any](name string, capacity int, idGen core.IDGenerator) *Queue[T] {
	if capacity <= 0 {
		capacity = 64
	}
	return &Queue[T]{
		name:     name,
		capacity: capacity,
		idGen:    idGen,
		notify:   make(chan struct{}, 1),
	}
}

// Name identifies the queue.
func (q *Queue[T]) Name() string { return q.name }

// Enqueue pushes a payload and returns the assigned job id.
func (q *Queue[T]) Enqueue(ctx context.Context, payload T, opts queue.EnqueueOptions) (string, error) {
	id, err := q.idGen.NewID()
	if err != nil {
		return "", fmt.Errorf("assign job id: %w", err)
	}
	job := &queue.Job[T]{
		ID:               id,
		Queue:            q.name,
		Payload:          payload,
		Priority:         opts.Priority,
		RunNumber:        0,
		RetriesRemaining: opts.Retries,
	}
	if err := q.push(ctx, job); err != nil {
		return "", err
	}
	return id, nil
}

// Requeue puts a failed job back with one fewer retry remaining.
func (q *Queue[T]) Requeue(ctx context.Context, job *queue.Job[T]) error {
	if job.RetriesRemaining <= 0 {
		return errors.New("retry budget exhausted")
	}
	retried := *job
	retried.RunNumber++
	retried.RetriesRemaining--
	return q.push(ctx, &retried)
}

func (q *Queue[T]) push(ctx context.Context, job *queue.Job[T]) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if q.items.Len() >= q.capacity {
		q.mu.Unlock()
		return fmt.Errorf("queue %s is full (capacity %d)", q.name, q.capacity)
	}
	q.seq++
	heap.Push(&q.items, &entry[T]{job: job, seq: q.seq})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue pops the highest-priority job, respecting context cancellation.
func (q *Queue[T]) Dequeue(ctx context.Context) (*queue.Job[T], error) {
	for {
		q.mu.Lock()
		if q.closed && q.items.Len() == 0 {
			q.mu.Unlock()
			return nil, ErrQueueClosed
		}
		if q.items.Len() > 0 {
			item := heap.Pop(&q.items).(*entry[T])
			remaining := q.items.Len()
			q.mu.Unlock()
			if remaining > 0 {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return item.job, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.notify:
		}
	}
}

// Close marks the queue closed; pending items can still drain.
func (q *Queue[T]) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len reports the number of queued jobs.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

type entry[T any] struct {
	job *queue.Job[T]
	seq uint64
}

type jobHeap[T any] []*entry[T]

func (h jobHeap[T]) Len() int { return len(h) }

func (h jobHeap[T]) Less(i, j int) bool {
	if h[i].job.Priority != h[j].job.Priority {
		return h[i].job.Priority > h[j].job.Priority
	}
	return h[i].seq < h[j].seq
}

func (h jobHeap[T]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *jobHeap[T]) Push(x any) { *h = append(*h, x.(*entry[T])) }

func (h *jobHeap[T]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

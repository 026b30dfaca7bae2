package memory_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkhoard/linkhoard/internal/core"
	"github.com/linkhoard/linkhoard/internal/queue"
	"github.com/linkhoard/linkhoard/internal/queue/memory"
)

type seqIDGen struct{ n int }

func (g *seqIDGen) NewID() (string, error) {
	g.n++
	return fmt.Sprintf("job-%d", g.n), nil
}

func TestQueue_PriorityOrdering(t *testing.T) {
	q := memory.New[string]("test", 16, &seqIDGen{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "low", queue.EnqueueOptions{Priority: core.PriorityLow})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "normal-1", queue.EnqueueOptions{Priority: core.PriorityNormal})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, "normal-2", queue.EnqueueOptions{Priority: core.PriorityNormal})
	require.NoError(t, err)

	first, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "normal-1", first.Payload, "higher priority dequeues first")

	second, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "normal-2", second.Payload, "equal priorities dequeue FIFO")

	third, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "low", third.Payload)
}

func TestQueue_CapacityBound(t *testing.T) {
	q := memory.New[int]("test", 2, &seqIDGen{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, 1, queue.EnqueueOptions{})
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, 2, queue.EnqueueOptions{})
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, 3, queue.EnqueueOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "full")
}

func TestQueue_DequeueBlocksUntilEnqueue(t *testing.T) {
	q := memory.New[int]("test", 16, &seqIDGen{})
	ctx := context.Background()

	got := make(chan int, 1)
	go func() {
		job, err := q.Dequeue(ctx)
		if err == nil {
			got <- job.Payload
		}
	}()

	time.Sleep(20 * time.Millisecond)
	_, err := q.Enqueue(ctx, 42, queue.EnqueueOptions{})
	require.NoError(t, err)

	select {
	case payload := <-got:
		assert.Equal(t, 42, payload)
	case <-time.After(2 * time.Second):
		t.Fatal("dequeue did not wake after enqueue")
	}
}

func TestQueue_DequeueHonorsContext(t *testing.T) {
	q := memory.New[int]("test", 16, &seqIDGen{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueue_RequeueDecrementsBudget(t *testing.T) {
	q := memory.New[string]("test", 16, &seqIDGen{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "flaky", queue.EnqueueOptions{Retries: 2})
	require.NoError(t, err)

	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, job.RetriesRemaining)
	require.Equal(t, 0, job.RunNumber)

	require.NoError(t, q.Requeue(ctx, job))

	retried, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, job.ID, retried.ID, "requeued job keeps its id")
	assert.Equal(t, 1, retried.RetriesRemaining)
	assert.Equal(t, 1, retried.RunNumber)
}

func TestQueue_RequeueWithoutBudgetFails(t *testing.T) {
	q := memory.New[string]("test", 16, &seqIDGen{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "doomed", queue.EnqueueOptions{Retries: 0})
	require.NoError(t, err)
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)

	require.Error(t, q.Requeue(ctx, job))
}

func TestQueue_CloseDrainsThenFails(t *testing.T) {
	q := memory.New[int]("test", 16, &seqIDGen{})
	ctx := context.Background()

	_, err := q.Enqueue(ctx, 7, queue.EnqueueOptions{})
	require.NoError(t, err)

	q.Close()

	job, err := q.Dequeue(ctx)
	require.NoError(t, err, "pending items still drain after close")
	assert.Equal(t, 7, job.Payload)

	_, err = q.Dequeue(ctx)
	assert.ErrorIs(t, err, memory.ErrQueueClosed)

	_, err = q.Enqueue(ctx, 8, queue.EnqueueOptions{})
	assert.ErrorIs(t, err, memory.ErrQueueClosed)
}

package resolve

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// fetchQueue bounds how many Registry Backend calls run concurrently. The
// Resolver still starts one goroutine per dependency edge; only the Backend
// calls made through run wait on the counting semaphore
// (golang.org/x/sync/semaphore).
type fetchQueue struct {
	sem *semaphore.Weighted
}

func newFetchQueue(concurrency int) *fetchQueue {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &fetchQueue{sem: semaphore.NewWeighted(int64(concurrency))}
}

// run blocks until a slot is free, then invokes fn, releasing the slot
// afterward. It returns ctx.Err() without invoking fn if ctx is already
// done.
func (q *fetchQueue) run(ctx context.Context, fn func() error) error {
	if err := q.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer q.sem.Release(1)
	return fn()
}

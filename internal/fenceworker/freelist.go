package fenceworker

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// FreeList bounds concurrent use of a fixed-size pool of GPU resources
// (query slots or command buffers) identified by index. The worker only
// ever borrows a slot for the lifetime of one submission.
type FreeList struct {
	sem  *semaphore.Weighted
	free chan int
}

// NewFreeList builds a pool of n resource slots, indices [0, n).
func NewFreeList(n int) *FreeList {
	free := make(chan int, n)
	for i := 0; i < n; i++ {
		free <- i
	}
	return &FreeList{sem: semaphore.NewWeighted(int64(n)), free: free}
}

// Acquire blocks until a slot is available or ctx is done.
func (f *FreeList) Acquire(ctx context.Context) (int, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	return <-f.free, nil
}

// Release returns a slot to the pool.
func (f *FreeList) Release(slot int) {
	f.free <- slot
	f.sem.Release(1)
}

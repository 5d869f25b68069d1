package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/framepacer/core/internal/clock"
	"github.com/framepacer/core/internal/fenceworker"
)

// fenceWaitLatency is the simulated cost of blocking on a GPU fence,
// standing in for the real driver call a production backend would make.
const fenceWaitLatency = 300 * time.Microsecond

// simulatedResult is the pair of raw GPU timestamps a resource slot will
// report once its fence has signalled.
type simulatedResult struct {
	startRaw, endRaw uint64
}

// simulatedGPU is a fenceworker.Backend with no real GPU behind it: submit
// pre-computes the timestamps a real driver would eventually report, and
// WaitFence/ReadTimestamps play them back. It stands in for the graphics-
// API interception layer spec.md leaves as an external collaborator.
type simulatedGPU struct {
	mu        sync.Mutex
	nextFence uint64
	bySlot    map[int]simulatedResult
}

func newSimulatedGPU() *simulatedGPU {
	return &simulatedGPU{bySlot: make(map[int]simulatedResult)}
}

// submit records the timestamps a later ReadTimestamps call for slot
// should report, and returns a fence value to wait on. Safe to call from
// the host's simulation thread while the worker goroutine concurrently
// calls WaitFence/ReadTimestamps for earlier submissions.
func (g *simulatedGPU) submit(slot int, queued clock.Timestamp, duration time.Duration) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.nextFence++
	start := uint64(queued) + uint64(500*time.Microsecond)
	end := start + uint64(duration)
	g.bySlot[slot] = simulatedResult{startRaw: start, endRaw: end}
	return g.nextFence
}

func (g *simulatedGPU) WaitFence(ctx context.Context, fenceValue uint64) error {
	select {
	case <-time.After(fenceWaitLatency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *simulatedGPU) ReadTimestamps(resource fenceworker.Resource) (uint64, uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.bySlot[resource.QuerySlot]
	if !ok {
		return 0, 0, fmt.Errorf("pacectl: no simulated result recorded for query slot %d", resource.QuerySlot)
	}
	return r.startRaw, r.endRaw, nil
}

// calibration is the identity GPU-to-host clock mapping: the simulated
// timestamps above are already in host nanoseconds.
func (g *simulatedGPU) calibration() clock.Calibration {
	return clock.Calibration{GPURaw: 0, CPURaw: 0, TimestampPeriod: 1.0, ValidBits: 64}
}

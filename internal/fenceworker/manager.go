package fenceworker

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Manager runs and joins a group of per-queue goroutines: one Worker.Run
// and one reply-drain loop per registered queue. It wraps errgroup.Group so
// that if any goroutine returns a non-nil error, the shared context derived
// from Context is cancelled and every sibling queue unwinds together,
// rather than leaving the others running against a half-torn-down engine.
type Manager struct {
	g *errgroup.Group
}

// NewManager derives a cancellable context from ctx and returns a Manager
// bound to it, along with that derived context for callers to pass to
// Worker.Run and anything else that should unwind when a sibling fails.
func NewManager(ctx context.Context) (*Manager, context.Context) {
	g, gctx := errgroup.WithContext(ctx)
	return &Manager{g: g}, gctx
}

// Go schedules fn to run in its own goroutine, joined by Wait.
func (m *Manager) Go(fn func() error) {
	m.g.Go(fn)
}

// Wait blocks until every goroutine started with Go has returned, and
// reports the first non-nil error among them, if any.
func (m *Manager) Wait() error {
	return m.g.Wait()
}

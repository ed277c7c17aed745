// Package tasks runs supervised background work. Webhook-triggered syncs and
// scheduled polls are detached from their originating request but remain
// tracked, so shutdown can drain in-flight work instead of abandoning writes.
package tasks

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrDraining is returned by Go when the group no longer accepts work.
var ErrDraining = errors.New("task group is draining")

// Group supervises detached background tasks.
type Group struct {
	logger zerolog.Logger

	mu     sync.Mutex
	wg     sync.WaitGroup
	active int
	closed bool
}

func NewGroup(logger zerolog.Logger) *Group {
	return &Group{logger: logger}
}

// Go starts fn on its own goroutine under the given timeout. The task's
// outcome is logged; a deadline hit is reported as a timeout. Returns
// ErrDraining once Drain has begun.
func (g *Group) Go(name string, timeout time.Duration, fn func(ctx context.Context) error) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrDraining
	}
	g.wg.Add(1)
	g.active++
	g.mu.Unlock()

	go func() {
		defer func() {
			g.mu.Lock()
			g.active--
			g.mu.Unlock()
			g.wg.Done()
		}()

		ctx := context.Background()
		cancel := func() {}
		if timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, timeout)
		}
		defer cancel()

		start := time.Now()
		err := fn(ctx)
		evt := g.logger.Info()
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			evt = g.logger.Warn().Str("outcome", "timeout")
		case err != nil:
			evt = g.logger.Error().Err(err).Str("outcome", "failed")
		default:
			evt = evt.Str("outcome", "done")
		}
		evt.Str("task", name).Dur("elapsed", time.Since(start)).Msg("background task finished")
	}()

	return nil
}

// Active reports the number of tasks currently running.
func (g *Group) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Drain stops accepting new tasks and waits for running ones, up to the
// context deadline.
func (g *Group) Drain(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

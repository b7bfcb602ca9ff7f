// internal/app/system/changefeed/group.go
package changefeed

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Runner is anything with a blocking Run loop and stats, e.g. *Watcher[T].
type Runner interface {
	Name() string
	Run(ctx context.Context) error
	Stats() Stats
}

// Group starts a set of watchers together and stops them together.
// Start acquires, Stop releases; both are safe to call once each.
type Group struct {
	runners []Runner
	log     *zap.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewGroup creates a group over the given runners.
func NewGroup(logger *zap.Logger, runners ...Runner) *Group {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Group{runners: runners, log: logger}
}

// Start launches every runner on its own goroutine. The runners stop when
// ctx is cancelled or Stop is called, whichever comes first.
func (g *Group) Start(ctx context.Context) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.started {
		return
	}
	g.started = true

	ctx, g.cancel = context.WithCancel(ctx)
	for _, r := range g.runners {
		g.wg.Add(1)
		go func(r Runner) {
			defer g.wg.Done()
			if err := r.Run(ctx); err != nil {
				g.log.Error("watcher exited with error", zap.String("watcher", r.Name()), zap.Error(err))
			}
		}(r)
	}
	g.log.Info("watchers started", zap.Int("count", len(g.runners)))
}

// Stop cancels all runners and waits for them to return, or for ctx to end.
// It returns ctx.Err() if the wait was cut short.
func (g *Group) Stop(ctx context.Context) error {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.log.Info("watchers stopped")
		return nil
	case <-ctx.Done():
		g.log.Warn("watchers did not stop before deadline", zap.Error(ctx.Err()))
		return ctx.Err()
	}
}

// Stats returns a snapshot for every runner.
func (g *Group) Stats() []Stats {
	out := make([]Stats, 0, len(g.runners))
	for _, r := range g.runners {
		out = append(out, r.Stats())
	}
	return out
}

// Healthy reports whether every runner is currently running.
func (g *Group) Healthy() bool {
	for _, r := range g.runners {
		if !r.Stats().Running {
			return false
		}
	}
	return len(g.runners) > 0
}

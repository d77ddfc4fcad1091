package crawler

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"
)

// visitTracker provides thread-safe visited URL tracking to prevent revisits.
type visitTracker interface {
	MarkIfNew(url string) bool
}

type concurrentVisitTracker struct {
	seen sync.Map
}

func newConcurrentVisitTracker() *concurrentVisitTracker {
	return &concurrentVisitTracker{}
}

// MarkIfNew stores the URL if it has not been seen before and returns true.
func (t *concurrentVisitTracker) MarkIfNew(url string) bool {
	if url == "" {
		return false
	}
	_, loaded := t.seen.LoadOrStore(url, struct{}{})
	return !loaded
}

// DispatchGate spaces out fetch starts. It holds the time of the last
// dispatch; a caller waits until the delay has elapsed since then. Only the
// starts are serialized, the fetches themselves run concurrently.
type DispatchGate struct {
	mu     sync.Mutex
	last   time.Time
	jitter bool
	now    func() time.Time
	rand   func() float64
}

// NewDispatchGate builds a gate. With jitter, every delay is scaled by a
// random factor in [0.5, 1.5).
func NewDispatchGate(jitter bool) *DispatchGate {
	return &DispatchGate{
		jitter: jitter,
		now:    time.Now,
		rand:   rand.Float64,
	}
}

// Wait blocks until delay has elapsed since the previous dispatch and
// records the new dispatch time.
func (g *DispatchGate) Wait(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		g.mu.Lock()
		g.last = g.now()
		g.mu.Unlock()
		return nil
	}
	g.mu.Lock()
	if g.jitter {
		delay = time.Duration(float64(delay) * (0.5 + g.rand()))
	}
	now := g.now()
	slot := now
	if !g.last.IsZero() {
		if next := g.last.Add(delay); next.After(now) {
			slot = next
		}
	}
	g.last = slot
	g.mu.Unlock()

	if err := sleepContext(ctx, slot.Sub(now)); err != nil {
		return fmt.Errorf("dispatch gate: %w", err)
	}
	return nil
}

// sleepContext pauses for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

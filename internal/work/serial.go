package work

import (
	"context"
	"sync"
)

// serialGate hands out a worker's single execution slot in FIFO order.
// Tickets are taken synchronously at dispatch time so queue order matches
// dispatch order even though pipelines start on separate goroutines.
type serialGate struct {
	mu      sync.Mutex
	busy    bool
	waiters []*ticket
}

type ticket struct {
	gate    *serialGate
	ready   chan struct{}
	granted bool // guarded by gate.mu
	done    bool // guarded by gate.mu
}

// take enqueues a ticket. A nil gate (concurrent worker) yields a nil ticket,
// which is always ready.
func (g *serialGate) take() *ticket {
	if g == nil {
		return nil
	}
	t := &ticket{gate: g, ready: make(chan struct{})}
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.busy {
		g.busy = true
		t.granted = true
		close(t.ready)
		return t
	}
	g.waiters = append(g.waiters, t)
	return t
}

func (g *serialGate) depth() (busy bool, queued int) {
	if g == nil {
		return false, 0
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.busy, len(g.waiters)
}

// wait blocks until the ticket holds the slot. On cancellation the ticket
// leaves the queue; if the slot was granted concurrently it is passed on.
func (t *ticket) wait(ctx context.Context) error {
	if t == nil {
		return nil
	}
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
	}

	g := t.gate
	g.mu.Lock()
	if t.granted {
		g.mu.Unlock()
		t.release()
		return context.Cause(ctx)
	}
	for i, w := range g.waiters {
		if w == t {
			g.waiters = append(g.waiters[:i], g.waiters[i+1:]...)
			break
		}
	}
	t.done = true
	g.mu.Unlock()
	return context.Cause(ctx)
}

// release frees the slot for the next waiter. Only the first call on a
// granted ticket has any effect.
func (t *ticket) release() {
	if t == nil {
		return
	}
	g := t.gate
	g.mu.Lock()
	defer g.mu.Unlock()
	if !t.granted || t.done {
		return
	}
	t.done = true
	if len(g.waiters) == 0 {
		g.busy = false
		return
	}
	next := g.waiters[0]
	g.waiters[0] = nil
	g.waiters = g.waiters[1:]
	next.granted = true
	close(next.ready)
}

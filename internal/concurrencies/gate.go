package concurrencies

import (
	"context"
	"sync"
)

// Gate lets a running transfer be held between chunks. The zero value is an
// open gate.
type Gate struct {
	mu     sync.Mutex
	paused bool
	open   chan struct{} // closed when the gate is resumed
}

// Pause closes the gate. It reports false if it was already paused.
func (g *Gate) Pause() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.paused {
		return false
	}
	g.paused = true
	g.open = make(chan struct{})
	return true
}

// Resume opens the gate and releases every waiter. It reports false if the
// gate was not paused.
func (g *Gate) Resume() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.paused {
		return false
	}
	g.paused = false
	close(g.open)
	return true
}

func (g *Gate) Paused() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.paused
}

// Wait blocks while the gate is paused. It returns ctx.Err() if the context
// ends first, nil otherwise.
func (g *Gate) Wait(ctx context.Context) error {
	for {
		g.mu.Lock()
		if !g.paused {
			g.mu.Unlock()
			return ctx.Err()
		}
		open := g.open
		g.mu.Unlock()

		select {
		case <-open:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

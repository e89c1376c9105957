package daq

import (
	"context"
	"sync"
)

// Gate is a resettable one-shot signal. Waiters block until Set; Reset
// arms it again for the next round.
type Gate struct {
	mu  sync.Mutex
	ch  chan struct{}
	set bool
}

// NewGate returns an unset gate.
func NewGate() *Gate {
	return &Gate{ch: make(chan struct{})}
}

// Set opens the gate. Extra calls are no-ops.
func (g *Gate) Set() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.set {
		g.set = true
		close(g.ch)
	}
}

// Reset closes the gate again.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.set {
		g.set = false
		g.ch = make(chan struct{})
	}
}

// IsSet reports whether the gate is open.
func (g *Gate) IsSet() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.set
}

// Done returns a channel closed when the gate opens. The channel belongs
// to the current round and is not reopened by Reset.
func (g *Gate) Done() <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ch
}

// Wait blocks until the gate opens or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	select {
	case <-g.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

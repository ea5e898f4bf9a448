package gate

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// LocalProvider holds process-wide scopes as one-slot channels
type LocalProvider struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
	clock clockwork.Clock
}

// NewLocalProvider creates an in-process gate provider
func NewLocalProvider(clock clockwork.Clock) *LocalProvider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &LocalProvider{
		slots: make(map[string]chan struct{}),
		clock: clock,
	}
}

// Scope returns a gate on the named scope
func (p *LocalProvider) Scope(name string) Gate {
	p.mu.Lock()
	defer p.mu.Unlock()
	slot, ok := p.slots[name]
	if !ok {
		slot = make(chan struct{}, 1)
		p.slots[name] = slot
	}
	return &localGate{name: name, slot: slot, clock: p.clock}
}

type localGate struct {
	name  string
	slot  chan struct{}
	clock clockwork.Clock

	mu   sync.Mutex
	held bool
}

func (g *localGate) Acquire(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held {
		return fmt.Errorf("gate %s already held by this acquirer", g.name)
	}

	select {
	case g.slot <- struct{}{}:
		g.held = true
		return nil
	default:
	}
	if timeout <= 0 {
		return fmt.Errorf("%w: %s", ErrTimeout, g.name)
	}

	select {
	case g.slot <- struct{}{}:
		g.held = true
		return nil
	case <-g.clock.After(timeout):
		return fmt.Errorf("%w: %s", ErrTimeout, g.name)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *localGate) Release(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.held {
		return nil
	}
	<-g.slot
	g.held = false
	return nil
}

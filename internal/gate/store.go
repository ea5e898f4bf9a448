package gate

import (
	"context"
	"fmt"
	"form-fanout/internal/repository"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const defaultPollInterval = 200 * time.Millisecond

// StoreProvider backs scopes with rows in the lock store, so separate
// processes (cron-launched CLI runs, the API server) exclude each other.
// A live holder renews its lock every ttl/3; a holder that crashes is
// superseded once its ttl passes.
type StoreProvider struct {
	locks repository.LockStore
	ttl   time.Duration
	poll  time.Duration
	clock clockwork.Clock
}

// NewStoreProvider creates a store-backed gate provider
func NewStoreProvider(locks repository.LockStore, ttl time.Duration, clock clockwork.Clock) *StoreProvider {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &StoreProvider{locks: locks, ttl: ttl, poll: defaultPollInterval, clock: clock}
}

// WithPollInterval overrides how often a blocked acquirer retries
func (p *StoreProvider) WithPollInterval(d time.Duration) *StoreProvider {
	if d > 0 {
		p.poll = d
	}
	return p
}

// Scope returns a gate on the named scope
func (p *StoreProvider) Scope(name string) Gate {
	return &storeGate{provider: p, name: name}
}

type storeGate struct {
	provider *StoreProvider
	name     string

	mu     sync.Mutex
	holder string
	stop   chan struct{}
	done   chan struct{}
}

func (g *storeGate) Acquire(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder != "" {
		return fmt.Errorf("gate %s already held by this acquirer", g.name)
	}

	p := g.provider
	holder := uuid.New().String()
	deadline := p.clock.Now().Add(timeout)

	for {
		now := p.clock.Now()
		ok, err := p.locks.TryLock(ctx, g.name, holder, now.Add(p.ttl), now)
		if err != nil {
			return fmt.Errorf("failed to acquire gate %s: %w", g.name, err)
		}
		if ok {
			g.holder = holder
			g.stop = make(chan struct{})
			g.done = make(chan struct{})
			go g.heartbeat(holder, g.stop, g.done)
			return nil
		}

		remaining := deadline.Sub(now)
		if remaining <= 0 {
			return fmt.Errorf("%w: %s", ErrTimeout, g.name)
		}
		wait := p.poll
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-p.clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (g *storeGate) Release(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.holder == "" {
		return nil
	}
	close(g.stop)
	<-g.done
	err := g.provider.locks.Unlock(ctx, g.name, g.holder)
	g.holder = ""
	if err != nil {
		return fmt.Errorf("failed to release gate %s: %w", g.name, err)
	}
	return nil
}

// heartbeat extends the lock until stop is closed or the lock is lost
func (g *storeGate) heartbeat(holder string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	p := g.provider
	every := p.ttl / 3
	if every <= 0 {
		every = p.ttl
	}
	ticker := p.clock.NewTicker(every)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			ok, err := p.locks.Extend(ctx, g.name, holder, p.clock.Now().Add(p.ttl))
			if err != nil {
				log.Warn().Err(err).Str("scope", g.name).Msg("failed to extend gate")
				continue
			}
			if !ok {
				log.Error().Str("scope", g.name).Msg("gate lost to another holder")
				return
			}
		}
	}
}

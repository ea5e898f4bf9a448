// Package gate serialises invocations that share a scope. A gate is
// advisory: it bounds overlapping worker runs, while the row-level
// conditional claim keeps rows safe across scopes.
package gate

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// ErrTimeout is returned when a scope stays held past the acquire timeout
var ErrTimeout = errors.New("gate acquire timed out")

// Gate is one acquirer's handle on a scope
type Gate interface {
	Acquire(ctx context.Context, timeout time.Duration) error
	// Release is safe to call when Acquire failed or was never called.
	Release(ctx context.Context) error
}

// Provider hands out a fresh Gate per acquirer for a named scope
type Provider interface {
	Scope(name string) Gate
}

// With runs fn while holding g, releasing it however fn returns
func With(ctx context.Context, g Gate, timeout time.Duration, fn func(ctx context.Context) error) error {
	if err := g.Acquire(ctx, timeout); err != nil {
		return err
	}
	defer func() {
		if err := g.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Msg("failed to release gate")
		}
	}()
	return fn(ctx)
}

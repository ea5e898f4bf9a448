package repository

import (
	"context"
	"errors"
	"fmt"
	"form-fanout/internal/models"
	"time"
)

// ErrRowNotFound is returned when a position does not address a data row
var ErrRowNotFound = errors.New("row not found")

// ErrQueueNotFound is returned when the queue table has not been created
var ErrQueueNotFound = errors.New("queue not found")

// MissingColumnError is returned when the queue header lacks a required column
type MissingColumnError struct {
	Column string
}

func (e *MissingColumnError) Error() string {
	return fmt.Sprintf("queue header missing: %s", e.Column)
}

// RowStore is the ordered, column-named table holding job records
type RowStore interface {
	EnsureQueue(ctx context.Context) error
	ValidateColumns(ctx context.Context, required []models.Field) error
	Append(ctx context.Context, jobs []*models.Job) error
	Rows(ctx context.Context) ([]*models.Job, error)
	Row(ctx context.Context, pos int64) (*models.Job, error)
	Update(ctx context.Context, pos int64, patch models.Patch) error
	CompareAndUpdate(ctx context.Context, pos int64, expect models.Snapshot, patch models.Patch) (bool, error)
	FindBySource(ctx context.Context, jobType models.JobType, sourceSheet string, sourceRow int) (*models.Job, error)
}

// TriggerStore persists installed triggers
type TriggerStore interface {
	ReplaceTrigger(ctx context.Context, trigger models.Trigger) error
	DeleteTriggers(ctx context.Context, handler string) error
	Triggers(ctx context.Context) ([]models.Trigger, error)
}

// LockStore backs the cross-process gate
type LockStore interface {
	TryLock(ctx context.Context, scope, holder string, until, now time.Time) (bool, error)
	// Extend moves the expiry of a lock holder still owns. It reports
	// false once the lock has been taken over or released.
	Extend(ctx context.Context, scope, holder string, until time.Time) (bool, error)
	Unlock(ctx context.Context, scope, holder string) error
}

// Store is everything a deployment needs from its persistence layer
type Store interface {
	RowStore
	TriggerStore
	LockStore
	Close() error
}

// sameInstant compares two optional timestamps at millisecond precision,
// which is what every store persists.
func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.UnixMilli() == b.UnixMilli()
}

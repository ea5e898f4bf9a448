package service

import (
	"context"
	"form-fanout/internal/models"
)

// Result is what a handler produced for a DONE row
type Result struct {
	URL   string
	ID    string
	Title string
}

// Handler performs the external effect for one job type
type Handler interface {
	JobType() models.JobType
	// Columns lists the result columns the handler writes.
	Columns() []models.Field
	// Preflight checks credentials and settings before any row is read.
	Preflight(ctx context.Context) error
	// Validate returns a *ValidationError when the row should be skipped.
	Validate(job *models.Job) error
	Handle(ctx context.Context, job *models.Job) (Result, error)
}

// Targeted is implemented by handlers that select rows by more than jobType
type Targeted interface {
	Match() Match
}

// AfterDoneHook runs after a row is written DONE. Its failure is logged and
// does not change the row.
type AfterDoneHook interface {
	AfterDone(ctx context.Context, job *models.Job) error
}

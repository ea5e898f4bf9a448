package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"form-fanout/internal/models"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	_ "modernc.org/sqlite"
)

// columns maps logical header fields to SQL column names
var columns = map[models.Field]string{
	models.FieldJobID:       "job_id",
	models.FieldCreatedAt:   "created_at",
	models.FieldJobType:     "job_type",
	models.FieldTarget:      "target",
	models.FieldStatus:      "status",
	models.FieldSourceSheet: "source_sheet",
	models.FieldSourceRow:   "source_row",
	models.FieldPayload:     "payload_json",
	models.FieldRetryCount:  "retry_count",
	models.FieldLastError:   "last_error",
	models.FieldUpdatedAt:   "updated_at",
	models.FieldLockUntil:   "lock_until",
	models.FieldClaimedAt:   "claimed_at",
	models.FieldResultURL:   "result_url",
	models.FieldResultID:    "result_id",
	models.FieldResultTitle: "result_title",
}

var timeColumns = map[models.Field]bool{
	models.FieldCreatedAt: true,
	models.FieldUpdatedAt: true,
	models.FieldLockUntil: true,
	models.FieldClaimedAt: true,
}

var selectColumns = []string{
	"row_num", "job_id", "created_at", "job_type", "target", "status",
	"source_sheet", "source_row", "payload_json", "retry_count", "last_error",
	"updated_at", "lock_until", "claimed_at", "result_url", "result_id", "result_title",
}

// SQLRepository implements Store on database/sql
type SQLRepository struct {
	db      *sql.DB
	dialect Dialect
	queue   string
	sb      sq.StatementBuilderType
}

// NewSQLRepository opens dsn with the named dialect. The queue table is not
// created here; call EnsureQueue from the setup path.
func NewSQLRepository(driver, dsn, queueTable string) (*SQLRepository, error) {
	dialect, err := LookupDialect(driver)
	if err != nil {
		return nil, err
	}
	if queueTable == "" {
		queueTable = "job_queue"
	}
	if !tableName.MatchString(queueTable) {
		return nil, fmt.Errorf("invalid queue table name %q", queueTable)
	}

	db, err := sql.Open(dialect.DriverName, dialect.dsn(dsn))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dialect.SingleConn {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLRepository{
		db:      db,
		dialect: dialect,
		queue:   queueTable,
		sb:      sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder),
	}, nil
}

// Close closes the database connection
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// Dialect returns the dialect the repository was opened with
func (r *SQLRepository) Dialect() Dialect {
	return r.dialect
}

// EnsureQueue creates the queue, trigger and lock tables if absent
func (r *SQLRepository) EnsureQueue(ctx context.Context) error {
	for _, stmt := range r.dialect.schema(r.queue) {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// ValidateColumns checks that the queue table exposes every required column
func (r *SQLRepository) ValidateColumns(ctx context.Context, required []models.Field) error {
	rows, err := r.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT 0", r.queue))
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrQueueNotFound, r.queue, err)
	}
	defer rows.Close()

	names, err := rows.Columns()
	if err != nil {
		return fmt.Errorf("failed to read queue header: %w", err)
	}
	present := make(map[string]bool, len(names))
	for _, n := range names {
		present[n] = true
	}

	for _, f := range required {
		col, ok := columns[f]
		if !ok || !present[col] {
			return &MissingColumnError{Column: string(f)}
		}
	}
	return nil
}

// Append inserts jobs at the end of the queue and records their positions
func (r *SQLRepository) Append(ctx context.Context, jobs []*models.Job) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, job := range jobs {
		insert := r.sb.Insert(r.queue).
			Columns(selectColumns[1:]...).
			Values(
				job.ID,
				encodeTime(job.CreatedAt),
				string(job.Type),
				job.Target,
				string(job.Status),
				job.SourceSheet,
				job.SourceRow,
				payloadString(job.Payload),
				job.RetryCount,
				job.LastError,
				encodeTime(job.UpdatedAt),
				encodeTime(job.LockUntil),
				encodeTime(job.ClaimedAt),
				job.ResultURL,
				job.ResultID,
				job.ResultTitle,
			)

		if r.dialect.Returning {
			query, args, err := insert.Suffix("RETURNING row_num").ToSql()
			if err != nil {
				return fmt.Errorf("failed to build insert: %w", err)
			}
			if err := tx.QueryRowContext(ctx, query, args...).Scan(&job.Position); err != nil {
				return fmt.Errorf("failed to append job %s: %w", job.ID, err)
			}
			continue
		}

		query, args, err := insert.ToSql()
		if err != nil {
			return fmt.Errorf("failed to build insert: %w", err)
		}
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("failed to append job %s: %w", job.ID, err)
		}
		if job.Position, err = res.LastInsertId(); err != nil {
			return fmt.Errorf("failed to read row position: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Rows returns every row in position order
func (r *SQLRepository) Rows(ctx context.Context) ([]*models.Job, error) {
	query, args, err := r.sb.Select(selectColumns...).From(r.queue).OrderBy("row_num ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	return r.queryJobs(ctx, query, args...)
}

// Row returns the row at pos
func (r *SQLRepository) Row(ctx context.Context, pos int64) (*models.Job, error) {
	query, args, err := r.sb.Select(selectColumns...).From(r.queue).Where(sq.Eq{"row_num": pos}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	jobs, err := r.queryJobs(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, ErrRowNotFound
	}
	return jobs[0], nil
}

// FindBySource returns the first job of jobType enqueued for a source row,
// or nil when there is none
func (r *SQLRepository) FindBySource(ctx context.Context, jobType models.JobType, sourceSheet string, sourceRow int) (*models.Job, error) {
	query, args, err := r.sb.Select(selectColumns...).From(r.queue).
		Where(sq.Eq{"job_type": string(jobType), "source_sheet": sourceSheet, "source_row": sourceRow}).
		OrderBy("row_num ASC").
		Limit(1).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	jobs, err := r.queryJobs(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	return jobs[0], nil
}

// Update applies patch to the row at pos
func (r *SQLRepository) Update(ctx context.Context, pos int64, patch models.Patch) error {
	set, err := encodePatch(patch)
	if err != nil {
		return err
	}
	query, args, err := r.sb.Update(r.queue).SetMap(set).Where(sq.Eq{"row_num": pos}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update row %d: %w", pos, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// MySQL reports zero for no-op writes, so confirm the row exists.
		if _, err := r.Row(ctx, pos); err != nil {
			return err
		}
	}
	return nil
}

// CompareAndUpdate applies patch only if the row still carries expect's
// status and updatedAt. It reports whether the write happened.
func (r *SQLRepository) CompareAndUpdate(ctx context.Context, pos int64, expect models.Snapshot, patch models.Patch) (bool, error) {
	set, err := encodePatch(patch)
	if err != nil {
		return false, err
	}
	where := sq.Eq{
		"row_num":    pos,
		"status":     string(expect.Status),
		"updated_at": encodeTime(expect.UpdatedAt),
	}
	query, args, err := r.sb.Update(r.queue).SetMap(set).Where(where).ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update row %d: %w", pos, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// ReplaceTrigger removes triggers with the same handler and installs trigger
func (r *SQLRepository) ReplaceTrigger(ctx context.Context, trigger models.Trigger) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	del, args, err := r.sb.Delete("queue_triggers").Where(sq.Eq{"handler": trigger.Handler}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	if _, err := tx.ExecContext(ctx, del, args...); err != nil {
		return fmt.Errorf("failed to delete trigger %s: %w", trigger.Handler, err)
	}

	ins, args, err := r.sb.Insert("queue_triggers").
		Columns("handler", "kind", "every_ms", "created_at").
		Values(trigger.Handler, string(trigger.Kind), trigger.Every.Milliseconds(), trigger.CreatedAt.UnixMilli()).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, ins, args...); err != nil {
		return fmt.Errorf("failed to create trigger %s: %w", trigger.Handler, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// DeleteTriggers removes every trigger bound to handler
func (r *SQLRepository) DeleteTriggers(ctx context.Context, handler string) error {
	query, args, err := r.sb.Delete("queue_triggers").Where(sq.Eq{"handler": handler}).ToSql()
	if err != nil {
		return fmt.Errorf("failed to build delete: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete trigger %s: %w", handler, err)
	}
	return nil
}

// Triggers lists installed triggers ordered by handler
func (r *SQLRepository) Triggers(ctx context.Context) ([]models.Trigger, error) {
	query, args, err := r.sb.Select("handler", "kind", "every_ms", "created_at").
		From("queue_triggers").
		OrderBy("handler ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("failed to build query: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query triggers: %w", err)
	}
	defer rows.Close()

	var triggers []models.Trigger
	for rows.Next() {
		var t models.Trigger
		var kind string
		var everyMs, createdAt int64
		if err := rows.Scan(&t.Handler, &kind, &everyMs, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan trigger: %w", err)
		}
		t.Kind = models.TriggerKind(kind)
		t.Every = time.Duration(everyMs) * time.Millisecond
		t.CreatedAt = time.UnixMilli(createdAt)
		triggers = append(triggers, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate triggers: %w", err)
	}
	return triggers, nil
}

// TryLock takes scope for holder when it is free or its previous holder
// expired
func (r *SQLRepository) TryLock(ctx context.Context, scope, holder string, until, now time.Time) (bool, error) {
	seed, args, err := r.dialect.ignore(r.sb.Insert("gate_locks").
		Columns("scope", "holder", "expires_at").
		Values(scope, "", int64(0))).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build lock seed: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, seed, args...); err != nil {
		return false, fmt.Errorf("failed to seed lock %s: %w", scope, err)
	}

	query, args, err := r.sb.Update("gate_locks").
		Set("holder", holder).
		Set("expires_at", until.UnixMilli()).
		Where(sq.Eq{"scope": scope}).
		Where(sq.LtOrEq{"expires_at": now.UnixMilli()}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build lock update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to take lock %s: %w", scope, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// Extend pushes the expiry of scope forward while holder owns it
func (r *SQLRepository) Extend(ctx context.Context, scope, holder string, until time.Time) (bool, error) {
	query, args, err := r.sb.Update("gate_locks").
		Set("expires_at", until.UnixMilli()).
		Where(sq.Eq{"scope": scope, "holder": holder}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("failed to build lock extend: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to extend lock %s: %w", scope, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n == 1, nil
}

// Unlock frees scope if holder still owns it
func (r *SQLRepository) Unlock(ctx context.Context, scope, holder string) error {
	query, args, err := r.sb.Update("gate_locks").
		Set("holder", "").
		Set("expires_at", int64(0)).
		Where(sq.Eq{"scope": scope, "holder": holder}).
		ToSql()
	if err != nil {
		return fmt.Errorf("failed to build unlock: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to release lock %s: %w", scope, err)
	}
	return nil
}

func (r *SQLRepository) queryJobs(ctx context.Context, query string, args ...interface{}) ([]*models.Job, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.Job
	for rows.Next() {
		var job models.Job
		var jobType, status, payload string
		var createdAt, updatedAt, lockUntil, claimedAt sql.NullInt64

		err := rows.Scan(
			&job.Position,
			&job.ID,
			&createdAt,
			&jobType,
			&job.Target,
			&status,
			&job.SourceSheet,
			&job.SourceRow,
			&payload,
			&job.RetryCount,
			&job.LastError,
			&updatedAt,
			&lockUntil,
			&claimedAt,
			&job.ResultURL,
			&job.ResultID,
			&job.ResultTitle,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}

		job.Type = models.JobType(jobType)
		job.Status = models.JobStatus(status)
		if payload != "" {
			job.Payload = json.RawMessage(payload)
		}
		job.CreatedAt = decodeTime(createdAt)
		job.UpdatedAt = decodeTime(updatedAt)
		job.LockUntil = decodeTime(lockUntil)
		job.ClaimedAt = decodeTime(claimedAt)

		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate jobs: %w", err)
	}

	return jobs, nil
}

// encodePatch converts a patch to column values. Unknown fields and the
// immutable jobId are rejected.
func encodePatch(patch models.Patch) (map[string]interface{}, error) {
	set := make(map[string]interface{}, len(patch))
	for f, v := range patch {
		col, ok := columns[f]
		if !ok {
			return nil, &MissingColumnError{Column: string(f)}
		}
		if f == models.FieldJobID {
			return nil, errors.New("jobId is immutable")
		}

		switch {
		case timeColumns[f]:
			set[col] = encodeAny(v)
		case v == nil:
			set[col] = ""
		default:
			switch val := v.(type) {
			case models.JobStatus:
				set[col] = string(val)
			case models.JobType:
				set[col] = string(val)
			case json.RawMessage:
				set[col] = payloadString(val)
			default:
				set[col] = val
			}
		}
	}
	return set, nil
}

func encodeAny(v any) interface{} {
	switch t := v.(type) {
	case time.Time:
		return t.UnixMilli()
	case *time.Time:
		return encodeTime(t)
	}
	return nil
}

func encodeTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func decodeTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

func payloadString(p json.RawMessage) string {
	if len(p) == 0 {
		return "{}"
	}
	return string(p)
}

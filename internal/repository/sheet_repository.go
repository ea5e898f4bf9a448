package repository

import (
	"context"
	"encoding/json"
	"errors"
	"form-fanout/internal/models"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

type sheetLock struct {
	holder  string
	expires time.Time
}

// SheetStore is an in-memory spreadsheet: a header row naming the columns
// in any order and loosely typed cells below it. Cells may hold strings,
// numbers, booleans or time.Time values, as a spreadsheet API returns them.
type SheetStore struct {
	mu       sync.Mutex
	header   []string
	cells    [][]any
	triggers map[string]models.Trigger
	locks    map[string]sheetLock
}

// NewSheetStore returns a store with no queue sheet; call EnsureQueue to
// create it
func NewSheetStore() *SheetStore {
	return &SheetStore{
		triggers: make(map[string]models.Trigger),
		locks:    make(map[string]sheetLock),
	}
}

// NewSheetStoreFrom seeds the store with an existing header and rows
func NewSheetStoreFrom(header []string, rows [][]any) *SheetStore {
	s := NewSheetStore()
	s.header = append([]string(nil), header...)
	for _, r := range rows {
		s.cells = append(s.cells, append([]any(nil), r...))
	}
	return s
}

// Close is a no-op
func (s *SheetStore) Close() error {
	return nil
}

// Cells returns a copy of the raw cells of the row at pos
func (s *SheetStore) Cells(pos int64) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos < 1 || pos > int64(len(s.cells)) {
		return nil
	}
	return append([]any(nil), s.cells[pos-1]...)
}

// EnsureQueue creates the header row if the sheet does not exist yet
func (s *SheetStore) EnsureQueue(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header != nil {
		return nil
	}
	s.header = make([]string, len(models.Header))
	for i, f := range models.Header {
		s.header[i] = string(f)
	}
	return nil
}

// ValidateColumns checks that the header names every required column
func (s *SheetStore) ValidateColumns(ctx context.Context, required []models.Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header == nil {
		return ErrQueueNotFound
	}
	for _, f := range required {
		if s.column(f) < 0 {
			return &MissingColumnError{Column: string(f)}
		}
	}
	return nil
}

// Append adds jobs below the last row
func (s *SheetStore) Append(ctx context.Context, jobs []*models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header == nil {
		return ErrQueueNotFound
	}
	for _, job := range jobs {
		row := make([]any, len(s.header))
		for i, name := range s.header {
			row[i] = encodeCell(models.Field(name), job)
		}
		s.cells = append(s.cells, row)
		job.Position = int64(len(s.cells))
	}
	return nil
}

// Rows returns every data row in sheet order
func (s *SheetStore) Rows(ctx context.Context) ([]*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.header == nil {
		return nil, ErrQueueNotFound
	}
	jobs := make([]*models.Job, 0, len(s.cells))
	for i := range s.cells {
		jobs = append(jobs, s.decode(int64(i+1)))
	}
	return jobs, nil
}

// Row returns the data row at pos
func (s *SheetStore) Row(ctx context.Context, pos int64) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos < 1 || pos > int64(len(s.cells)) {
		return nil, ErrRowNotFound
	}
	return s.decode(pos), nil
}

// FindBySource returns the first row of jobType recorded for a source row
func (s *SheetStore) FindBySource(ctx context.Context, jobType models.JobType, sourceSheet string, sourceRow int) (*models.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cells {
		job := s.decode(int64(i + 1))
		if job.Type == jobType && job.SourceSheet == sourceSheet && job.SourceRow == sourceRow {
			return job, nil
		}
	}
	return nil, nil
}

// Update writes patch to the row at pos
func (s *SheetStore) Update(ctx context.Context, pos int64, patch models.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(pos, patch)
}

// CompareAndUpdate writes patch only if status and updatedAt still match
func (s *SheetStore) CompareAndUpdate(ctx context.Context, pos int64, expect models.Snapshot, patch models.Patch) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos < 1 || pos > int64(len(s.cells)) {
		return false, ErrRowNotFound
	}
	current := s.decode(pos)
	if current.Status != expect.Status || !sameInstant(current.UpdatedAt, expect.UpdatedAt) {
		return false, nil
	}
	if err := s.write(pos, patch); err != nil {
		return false, err
	}
	return true, nil
}

// ReplaceTrigger installs trigger, dropping any other with the same handler
func (s *SheetStore) ReplaceTrigger(ctx context.Context, trigger models.Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[trigger.Handler] = trigger
	return nil
}

// DeleteTriggers removes the triggers bound to handler
func (s *SheetStore) DeleteTriggers(ctx context.Context, handler string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.triggers, handler)
	return nil
}

// Triggers lists installed triggers ordered by handler
func (s *SheetStore) Triggers(ctx context.Context) ([]models.Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Handler < out[j].Handler })
	return out, nil
}

// TryLock takes scope for holder if it is free or expired
func (s *SheetStore) TryLock(ctx context.Context, scope, holder string, until, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[scope]; ok && l.holder != "" && l.expires.After(now) {
		return false, nil
	}
	s.locks[scope] = sheetLock{holder: holder, expires: until}
	return true, nil
}

// Extend pushes the expiry of scope forward while holder owns it
func (s *SheetStore) Extend(ctx context.Context, scope, holder string, until time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[scope]
	if !ok || l.holder != holder {
		return false, nil
	}
	l.expires = until
	s.locks[scope] = l
	return true, nil
}

// Unlock frees scope if holder still owns it
func (s *SheetStore) Unlock(ctx context.Context, scope, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[scope]; ok && l.holder == holder {
		delete(s.locks, scope)
	}
	return nil
}

func (s *SheetStore) column(f models.Field) int {
	for i, name := range s.header {
		if strings.TrimSpace(name) == string(f) {
			return i
		}
	}
	return -1
}

func (s *SheetStore) write(pos int64, patch models.Patch) error {
	if pos < 1 || pos > int64(len(s.cells)) {
		return ErrRowNotFound
	}
	row := s.cells[pos-1]
	for f, v := range patch {
		if f == models.FieldJobID {
			return errors.New("jobId is immutable")
		}
		col := s.column(f)
		if col < 0 {
			return &MissingColumnError{Column: string(f)}
		}
		for len(row) <= col {
			row = append(row, nil)
		}
		switch t := v.(type) {
		case nil:
			row[col] = ""
		case *time.Time:
			if t == nil {
				row[col] = ""
			} else {
				row[col] = *t
			}
		case models.JobStatus:
			row[col] = string(t)
		default:
			row[col] = v
		}
	}
	s.cells[pos-1] = row
	return nil
}

func (s *SheetStore) cell(row []any, f models.Field) any {
	col := s.column(f)
	if col < 0 || col >= len(row) {
		return nil
	}
	return row[col]
}

func (s *SheetStore) decode(pos int64) *models.Job {
	row := s.cells[pos-1]
	job := &models.Job{
		Position:    pos,
		ID:          cellString(s.cell(row, models.FieldJobID)),
		CreatedAt:   cellTime(s.cell(row, models.FieldCreatedAt)),
		Type:        models.JobType(cellString(s.cell(row, models.FieldJobType))),
		Target:      cellString(s.cell(row, models.FieldTarget)),
		Status:      models.JobStatus(strings.ToUpper(cellString(s.cell(row, models.FieldStatus)))),
		SourceSheet: cellString(s.cell(row, models.FieldSourceSheet)),
		SourceRow:   cellInt(s.cell(row, models.FieldSourceRow)),
		RetryCount:  cellInt(s.cell(row, models.FieldRetryCount)),
		LastError:   cellString(s.cell(row, models.FieldLastError)),
		UpdatedAt:   cellTime(s.cell(row, models.FieldUpdatedAt)),
		LockUntil:   cellTime(s.cell(row, models.FieldLockUntil)),
		ClaimedAt:   cellTime(s.cell(row, models.FieldClaimedAt)),
		ResultURL:   cellString(s.cell(row, models.FieldResultURL)),
		ResultID:    cellString(s.cell(row, models.FieldResultID)),
		ResultTitle: cellString(s.cell(row, models.FieldResultTitle)),
	}
	if p := cellString(s.cell(row, models.FieldPayload)); p != "" {
		job.Payload = json.RawMessage(p)
	}
	return job
}

func encodeCell(f models.Field, job *models.Job) any {
	switch f {
	case models.FieldJobID:
		return job.ID
	case models.FieldCreatedAt:
		return timeCell(job.CreatedAt)
	case models.FieldJobType:
		return string(job.Type)
	case models.FieldTarget:
		return job.Target
	case models.FieldStatus:
		return string(job.Status)
	case models.FieldSourceSheet:
		return job.SourceSheet
	case models.FieldSourceRow:
		if job.SourceRow == 0 {
			return ""
		}
		return job.SourceRow
	case models.FieldPayload:
		return payloadString(job.Payload)
	case models.FieldRetryCount:
		return job.RetryCount
	case models.FieldLastError:
		return job.LastError
	case models.FieldUpdatedAt:
		return timeCell(job.UpdatedAt)
	case models.FieldLockUntil:
		return timeCell(job.LockUntil)
	case models.FieldClaimedAt:
		return timeCell(job.ClaimedAt)
	case models.FieldResultURL:
		return job.ResultURL
	case models.FieldResultID:
		return job.ResultID
	case models.FieldResultTitle:
		return job.ResultTitle
	}
	return ""
}

func timeCell(t *time.Time) any {
	if t == nil {
		return ""
	}
	return *t
}

func cellString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case bool:
		if t {
			return "TRUE"
		}
		return ""
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.RawMessage:
		return string(t)
	}
	return ""
}

func cellInt(v any) int {
	switch t := v.(type) {
	case int:
		return t
	case int64:
		return int(t)
	case float64:
		return int(t)
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

func cellTime(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		if t.IsZero() {
			return nil
		}
		return &t
	case *time.Time:
		return t
	case string:
		t = strings.TrimSpace(t)
		if t == "" {
			return nil
		}
		parsed, err := time.Parse(time.RFC3339, t)
		if err != nil {
			return nil
		}
		return &parsed
	}
	return nil
}

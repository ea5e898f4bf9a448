package models

import "time"

// Field is a logical column name in the queue header.
type Field string

const (
	FieldJobID       Field = "jobId"
	FieldCreatedAt   Field = "createdAt"
	FieldJobType     Field = "jobType"
	FieldTarget      Field = "target"
	FieldStatus      Field = "status"
	FieldSourceSheet Field = "sourceSheet"
	FieldSourceRow   Field = "sourceRow"
	FieldPayload     Field = "payloadJson"
	FieldRetryCount  Field = "retryCount"
	FieldLastError   Field = "lastError"
	FieldUpdatedAt   Field = "updatedAt"
	FieldLockUntil   Field = "lockUntil"
	FieldClaimedAt   Field = "claimedAt"
	FieldResultURL   Field = "resultUrl"
	FieldResultID    Field = "resultId"
	FieldResultTitle Field = "resultTitle"
)

// Header is the full queue header in creation order.
var Header = []Field{
	FieldJobID,
	FieldCreatedAt,
	FieldJobType,
	FieldTarget,
	FieldStatus,
	FieldSourceSheet,
	FieldSourceRow,
	FieldPayload,
	FieldRetryCount,
	FieldLastError,
	FieldUpdatedAt,
	FieldLockUntil,
	FieldClaimedAt,
	FieldResultURL,
	FieldResultID,
	FieldResultTitle,
}

// QueueFields are the columns every worker needs regardless of handler.
var QueueFields = []Field{
	FieldJobID,
	FieldCreatedAt,
	FieldJobType,
	FieldStatus,
	FieldPayload,
	FieldRetryCount,
	FieldLastError,
	FieldUpdatedAt,
	FieldLockUntil,
	FieldClaimedAt,
}

// Patch is a set of field-scoped writes against one row. A nil value
// clears the cell.
type Patch map[Field]any

// Set records v for f and returns the patch for chaining.
func (p Patch) Set(f Field, v any) Patch {
	p[f] = v
	return p
}

// Clear records a cleared cell for f.
func (p Patch) Clear(f Field) Patch {
	p[f] = nil
	return p
}

// Touch refreshes updatedAt.
func (p Patch) Touch(now time.Time) Patch {
	p[FieldUpdatedAt] = now
	return p
}

// Apply copies the patch values onto j. Unknown fields are ignored.
func (p Patch) Apply(j *Job) {
	for f, v := range p {
		switch f {
		case FieldStatus:
			if st, ok := v.(JobStatus); ok {
				j.Status = st
			} else {
				j.Status = JobStatus(stringValue(v))
			}
		case FieldTarget:
			j.Target = stringValue(v)
		case FieldRetryCount:
			if n, ok := v.(int); ok {
				j.RetryCount = n
			}
		case FieldLastError:
			j.LastError = stringValue(v)
		case FieldUpdatedAt:
			j.UpdatedAt = timeValue(v)
		case FieldLockUntil:
			j.LockUntil = timeValue(v)
		case FieldClaimedAt:
			j.ClaimedAt = timeValue(v)
		case FieldResultURL:
			j.ResultURL = stringValue(v)
		case FieldResultID:
			j.ResultID = stringValue(v)
		case FieldResultTitle:
			j.ResultTitle = stringValue(v)
		}
	}
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func timeValue(v any) *time.Time {
	switch t := v.(type) {
	case time.Time:
		return &t
	case *time.Time:
		return t
	}
	return nil
}

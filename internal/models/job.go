package models

import (
	"encoding/json"
	"time"
)

// JobStatus represents the state of a job row
type JobStatus string

const (
	// StatusFresh is an empty status cell; it is treated as unclaimed.
	StatusFresh   JobStatus = ""
	StatusPending JobStatus = "PENDING"
	StatusRunning JobStatus = "RUNNING"
	StatusDone    JobStatus = "DONE"
	StatusError   JobStatus = "ERROR"
	StatusSkip    JobStatus = "SKIP"
)

// JobType routes a row to its handler
type JobType string

const (
	TypeHTMLGitHub JobType = "A_HTML_GITHUB"
	TypeBlogWP     JobType = "B_BLOG_WP"
	TypeSlidesGen  JobType = "C_SLIDES_GEN"
)

// Job is the typed view of one row in the queue.
type Job struct {
	// Position is the physical row position, 1-based over data rows.
	Position    int64           `json:"position"`
	ID          string          `json:"job_id"`
	CreatedAt   *time.Time      `json:"created_at,omitempty"`
	Type        JobType         `json:"job_type"`
	Target      string          `json:"target,omitempty"`
	Status      JobStatus       `json:"status"`
	SourceSheet string          `json:"source_sheet,omitempty"`
	SourceRow   int             `json:"source_row,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	RetryCount  int             `json:"retry_count"`
	LastError   string          `json:"last_error,omitempty"`
	UpdatedAt   *time.Time      `json:"updated_at,omitempty"`
	LockUntil   *time.Time      `json:"lock_until,omitempty"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	ResultURL   string          `json:"result_url,omitempty"`
	ResultID    string          `json:"result_id,omitempty"`
	ResultTitle string          `json:"result_title,omitempty"`
}

// DecodePayload parses the payload document. A missing or malformed
// payload decodes to the zero Payload.
func (j *Job) DecodePayload() Payload {
	var p Payload
	if len(j.Payload) == 0 {
		return p
	}
	if err := json.Unmarshal(j.Payload, &p); err != nil {
		return Payload{}
	}
	return p
}

// Snapshot is the version marker used for conditional updates.
type Snapshot struct {
	Status    JobStatus
	UpdatedAt *time.Time
}

// Snapshot returns the job's current version marker.
func (j *Job) Snapshot() Snapshot {
	return Snapshot{Status: j.Status, UpdatedAt: j.UpdatedAt}
}

// JobFilter narrows ListJobs results. Zero values match everything.
type JobFilter struct {
	Status JobStatus `json:"status,omitempty"`
	Type   JobType   `json:"job_type,omitempty"`
}

// Matches reports whether j passes the filter.
func (f JobFilter) Matches(j *Job) bool {
	if f.Status != "" && j.Status != f.Status {
		return false
	}
	if f.Type != "" && j.Type != f.Type {
		return false
	}
	return true
}

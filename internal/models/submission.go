package models

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// FormSubmission is the event delivered when a form response is recorded.
type FormSubmission struct {
	SpreadsheetID string              `json:"spreadsheet_id,omitempty"`
	SourceSheet   string              `json:"source_sheet"`
	SourceRow     int                 `json:"source_row"`
	Values        []string            `json:"values,omitempty"`
	NamedValues   map[string][]string `json:"named_values,omitempty"`
}

// Payload is the handler input stored in payloadJson.
type Payload struct {
	SpreadsheetID   string              `json:"spreadsheetId,omitempty"`
	SourceSheetName string              `json:"sourceSheetName,omitempty"`
	SourceRow       int                 `json:"sourceRow,omitempty"`
	Timestamp       *string             `json:"timestamp"`
	NamedValues     map[string][]string `json:"namedValues"`
}

// NewPayload builds the payload recorded for every job of one submission.
// The first form value is the response timestamp column.
func NewPayload(sub FormSubmission) Payload {
	p := Payload{
		SpreadsheetID:   sub.SpreadsheetID,
		SourceSheetName: sub.SourceSheet,
		SourceRow:       sub.SourceRow,
		NamedValues:     sub.NamedValues,
	}
	if len(sub.Values) > 0 {
		ts := sub.Values[0]
		p.Timestamp = &ts
	}
	return p
}

// Answer returns the first trimmed answer recorded for question key.
func (p Payload) Answer(key string) string {
	if p.NamedValues == nil {
		return ""
	}
	values := p.NamedValues[key]
	if len(values) == 0 {
		return ""
	}
	return strings.TrimSpace(values[0])
}

// NewJobID returns an id of the form {jobType}-{yyyyMMddHHmmssSSS}-{8 hex},
// with the timestamp rendered in loc.
func NewJobID(t JobType, now time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	ts := now.In(loc).Format("20060102150405.000")
	ts = strings.Replace(ts, ".", "", 1)
	return fmt.Sprintf("%s-%s-%s", t, ts, uuid.New().String()[:8])
}

var unsafeSegment = regexp.MustCompile(`[^a-zA-Z0-9\-_]`)

// SafeSegment maps a job id to a path segment safe for a static site.
func SafeSegment(jobID string) string {
	return unsafeSegment.ReplaceAllString(jobID, "_")
}

// TriggerKind distinguishes event-driven from time-driven triggers.
type TriggerKind string

const (
	TriggerForm     TriggerKind = "form"
	TriggerInterval TriggerKind = "interval"
)

// Trigger is an installed invocation source.
type Trigger struct {
	Handler   string        `json:"handler"`
	Kind      TriggerKind   `json:"kind"`
	Every     time.Duration `json:"every,omitempty"`
	CreatedAt time.Time     `json:"created_at"`
}

// FormTriggerHandler is the handler name of the form-submission trigger
const FormTriggerHandler = "onFormSubmit"

// WorkerTriggerHandler is the handler name of t's periodic trigger
func WorkerTriggerHandler(t JobType) string {
	return "runWorker:" + string(t)
}

// WorkerTriggerType parses a handler name produced by WorkerTriggerHandler
func WorkerTriggerType(handler string) (JobType, bool) {
	const prefix = "runWorker:"
	if !strings.HasPrefix(handler, prefix) || len(handler) == len(prefix) {
		return "", false
	}
	return JobType(handler[len(prefix):]), true
}

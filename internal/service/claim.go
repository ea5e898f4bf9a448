package service

import (
	"form-fanout/internal/models"
	"strings"
	"time"
)

// Match reports whether a row belongs to a worker
type Match func(job *models.Job) bool

// MatchType matches rows by exact jobType
func MatchType(t models.JobType) Match {
	return func(job *models.Job) bool {
		return job.Type == t
	}
}

// MatchFlag matches rows whose target cell is truthy: TRUE (a boolean cell
// reads as TRUE) or one of codes, case-insensitively. Only rows with no
// jobType or with owner's jobType are considered, so a typed row is never
// claimable by two workers.
func MatchFlag(owner models.JobType, codes ...string) Match {
	accepted := map[string]bool{"TRUE": true}
	for _, c := range codes {
		accepted[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	return func(job *models.Job) bool {
		if job.Type != "" && job.Type != owner {
			return false
		}
		return accepted[strings.ToUpper(strings.TrimSpace(job.Target))]
	}
}

// AnyOf matches when any of ms matches
func AnyOf(ms ...Match) Match {
	return func(job *models.Job) bool {
		for _, m := range ms {
			if m(job) {
				return true
			}
		}
		return false
	}
}

// Selector picks the next eligible row for one worker
type Selector struct {
	Match       Match
	Backoff     Backoff
	MaxAttempts int
	// Lease is how long a RUNNING claim is honoured before the row may be
	// reclaimed. Zero disables reclaim.
	Lease time.Duration
}

// Verdict is what a worker may do with a row at a given time
type Verdict int

const (
	// Ineligible rows are left alone
	Ineligible Verdict = iota
	// Claimable rows may be claimed and run
	Claimable
	// ExpiredFinal rows are RUNNING with an expired lease on their last
	// allowed attempt. They are finalised as ERROR instead of run again.
	ExpiredFinal
)

// Eligible reports whether job may be claimed at now
func (s Selector) Eligible(job *models.Job, now time.Time) bool {
	return s.Judge(job, now) == Claimable
}

// Judge returns the verdict for job at now
func (s Selector) Judge(job *models.Job, now time.Time) Verdict {
	if s.Match != nil && !s.Match(job) {
		return Ineligible
	}
	if job.LockUntil != nil && job.LockUntil.After(now) {
		return Ineligible
	}
	exhausted := s.MaxAttempts > 0 && job.RetryCount >= s.MaxAttempts

	switch job.Status {
	case models.StatusRunning:
		if !s.leaseExpired(job, now) {
			return Ineligible
		}
		if exhausted {
			return ExpiredFinal
		}
		return Claimable
	case models.StatusFresh, models.StatusPending:
		if exhausted {
			return Ineligible
		}
		return Claimable
	case models.StatusError:
		if exhausted {
			return Ineligible
		}
		// A row written with lockUntil is governed by it alone.
		if job.LockUntil != nil || job.UpdatedAt == nil {
			return Claimable
		}
		if now.Before(job.UpdatedAt.Add(s.Backoff.Delay(job.RetryCount))) {
			return Ineligible
		}
		return Claimable
	}
	return Ineligible
}

func (s Selector) leaseExpired(job *models.Job, now time.Time) bool {
	if s.Lease <= 0 {
		return false
	}
	claimed := job.ClaimedAt
	if claimed == nil {
		claimed = job.UpdatedAt
	}
	if claimed == nil {
		return false
	}
	return !now.Before(claimed.Add(s.Lease))
}

// Next scans rows in position order and returns the first row not in
// skip that is claimable or due for finalisation, or nil
func (s Selector) Next(rows []*models.Job, now time.Time, skip map[int64]bool) *models.Job {
	for _, job := range rows {
		if skip[job.Position] {
			continue
		}
		if s.Judge(job, now) != Ineligible {
			return job
		}
	}
	return nil
}

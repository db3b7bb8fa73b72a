package models

import (
	"time"

	"github.com/google/uuid"
)

// JobState is the lifecycle state of a moderation job.
type JobState string

const (
	JobStatePending    JobState = "PENDING"
	JobStateLeased     JobState = "LEASED"
	JobStateProcessing JobState = "PROCESSING"
	JobStateDone       JobState = "DONE"
	JobStateFailed     JobState = "FAILED"
)

// Valid reports whether s is one of the known job states.
func (s JobState) Valid() bool {
	switch s {
	case JobStatePending, JobStateLeased, JobStateProcessing, JobStateDone, JobStateFailed:
		return true
	}
	return false
}

// ModerationRequest holds the parameters a client submitted with the image.
// It never changes after the job is created.
type ModerationRequest struct {
	Categories          []Category `json:"categories"`
	HideCategories      bool       `json:"hide_categories"`
	RemoveImageMetadata bool       `json:"remove_image_metadata"`
	Extra               *string    `json:"extra,omitempty"`
}

// Report is the moderation outcome written by the worker that completes a job.
type Report struct {
	Categories     map[Category]bool `json:"categories"`
	ResultImageKey *string           `json:"result_image_key,omitempty"`
}

// Clone returns a deep copy of the report.
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := Report{Categories: make(map[Category]bool, len(r.Categories))}
	for k, v := range r.Categories {
		c.Categories[k] = v
	}
	if r.ResultImageKey != nil {
		key := *r.ResultImageKey
		c.ResultImageKey = &key
	}
	return &c
}

// Lease is a time-bounded exclusive claim by a worker on a job.
type Lease struct {
	WorkerID  string    `json:"worker_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the lease is no longer valid at now.
func (l *Lease) Expired(now time.Time) bool {
	return now.After(l.ExpiresAt)
}

// Job is a single moderation request tracked through its lifecycle.
// State, Report, Lease, AttemptCount, ReleaseCount, LastError and UpdatedAt
// are mutated only through a store compare-and-swap; everything else is fixed
// at creation. ReleaseCount counts attempts handed back because of an
// infrastructure failure; they do not count against the retry budget.
type Job struct {
	ID           uuid.UUID         `db:"id"            json:"id"`
	ImageKey     string            `db:"image_key"     json:"image_key"`
	ContentType  string            `db:"content_type"  json:"content_type"`
	Request      ModerationRequest `db:"request"       json:"request"`
	Report       *Report           `db:"report"        json:"report,omitempty"`
	State        JobState          `db:"state"         json:"state"`
	Lease        *Lease            `db:"lease"         json:"lease,omitempty"`
	AttemptCount int               `db:"attempt_count" json:"attempt_count"`
	ReleaseCount int               `db:"release_count" json:"release_count"`
	LastError    *string           `db:"last_error"    json:"last_error,omitempty"`
	CreatedAt    time.Time         `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time         `db:"updated_at"    json:"updated_at"`
}

// Clone returns a deep copy of the job.
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	c.Request.Categories = append([]Category(nil), j.Request.Categories...)
	if j.Request.Extra != nil {
		extra := *j.Request.Extra
		c.Request.Extra = &extra
	}
	c.Report = j.Report.Clone()
	if j.Lease != nil {
		l := *j.Lease
		c.Lease = &l
	}
	if j.LastError != nil {
		msg := *j.LastError
		c.LastError = &msg
	}
	return &c
}

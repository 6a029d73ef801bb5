package models

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobSent       JobStatus = "sent"
	JobPartial    JobStatus = "partial"
	JobFailed     JobStatus = "failed"
)

const DefaultMaxAttempts = 4

// Job is one unit of push-notification work targeting a single user.
// Rows are never deleted; terminal rows are kept as delivery history.
type Job struct {
	ID             string          `json:"id"`
	UserID         string          `json:"user_id"`
	NotificationID string          `json:"notification_id,omitempty"`
	PostID         string          `json:"post_id,omitempty"`
	Kind           string          `json:"kind"`
	Title          string          `json:"title"`
	Body           string          `json:"body"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	Status         JobStatus       `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	AvailableAfter time.Time       `json:"available_after"`
	LockedAt       *time.Time      `json:"locked_at,omitempty"`
	LockedBy       string          `json:"locked_by,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Claimable reports whether the dispatch worker may take ownership of the job.
func (j *Job) Claimable(now time.Time) bool {
	return j.Status == JobPending && !j.AvailableAfter.After(now)
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	return j.Status == JobSent || j.Status == JobPartial || j.Status == JobFailed
}

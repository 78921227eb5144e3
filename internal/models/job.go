package models

import (
	"encoding/json"
	"time"
)

// Status enumerates lifecycle states persisted in background_jobs.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// transitions lists the allowed moves out of each state. Completed and failed are terminal.
var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusPending, StatusFailed, StatusProcessing},
}

// CanTransition reports whether a job may move from one status to another.
// processing -> processing covers reclaiming a job whose lease expired.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Job represents a row in background_jobs.
type Job struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	UserID         string          `json:"user_id"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	Priority       int             `json:"priority"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	Result         json.RawMessage `json:"result,omitempty"`
	ErrorMessage   *string         `json:"error_message"`
	NotBefore      *time.Time      `json:"not_before,omitempty"`
	LeaseExpiresAt *time.Time      `json:"lease_expires_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Eligible reports whether the dispatcher may claim the job at now.
func (j Job) Eligible(now time.Time) bool {
	switch j.Status {
	case StatusPending:
		return j.NotBefore == nil || !j.NotBefore.After(now)
	case StatusProcessing:
		return j.LeaseExpiresAt != nil && !j.LeaseExpiresAt.After(now)
	}
	return false
}

// JobEvent is an audit row appended on every queue transition.
type JobEvent struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

// Event names written to job_events.
const (
	EventEnqueued       = "enqueued"
	EventClaimed        = "claimed"
	EventCompleted      = "completed"
	EventRetryScheduled = "retry_scheduled"
	EventFailed         = "failed"
)

// Built-in job types.
const (
	TypeImageAnalysis   = "image-analysis"
	TypeNutritionReport = "generate-nutrition-report"
	TypePostureReminder = "daily-posture-check-reminder"
	TypeWeeklySummary   = "weekly-summary"
)

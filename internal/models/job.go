package models

import (
	"time"
)

// JobStatus enumerates ScheduledJob lifecycle states persisted in the store.
const (
	JobScheduled  = "scheduled"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobRetrying   = "retrying"
)

// ScheduledJob is the durable record of when an Event's processing fires and
// its retry state. There is at most one row per event.
type ScheduledJob struct {
	EventID       string    `json:"event_id"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Status        string    `json:"status"`
	RetryCount    int       `json:"retry_count"`
	ErrorMessage  *string   `json:"error_message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Active reports whether the job may still fire.
func (j ScheduledJob) Active() bool {
	switch j.Status {
	case JobScheduled, JobRetrying, JobProcessing:
		return true
	}
	return false
}

// RecoverableStatuses are the job states re-armed after a restart. A job left
// in processing was abandoned mid-run and is fired again.
var RecoverableStatuses = []string{JobScheduled, JobRetrying, JobProcessing}

// AuditLog is a simple audit row describing a job transition.
type AuditLog struct {
	ID       string    `json:"id"`
	EventID  string    `json:"event_id"`
	Action   string    `json:"action"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}

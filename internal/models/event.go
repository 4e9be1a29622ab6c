package models

import "time"

// EventStatus values. pending is the only non-terminal state.
const (
	EventPending   = "pending"
	EventProcessed = "processed"
	EventFailed    = "failed"
)

// Event is a remotely sourced record that needs its attendee sheet produced
// ahead of its start time.
type Event struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	StartTime   time.Time  `json:"start_time"`
	Category    string     `json:"category"`
	Status      string     `json:"status"`
	RetryCount  int        `json:"retry_count"`
	CreatedAt   time.Time  `json:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

// Terminal reports whether the event has left the pending state.
func (e Event) Terminal() bool {
	return e.Status == EventProcessed || e.Status == EventFailed
}

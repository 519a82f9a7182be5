package api

import (
	"encoding/json"
	"time"
)

// EventType identifies a run event.
type EventType string

const (
	EventLog          EventType = "log"
	EventProgress     EventType = "progress"
	EventIntermediate EventType = "intermediate"
	EventError        EventType = "error"
)

// Valid reports whether t is one of the four event types.
func (t EventType) Valid() bool {
	switch t {
	case EventLog, EventProgress, EventIntermediate, EventError:
		return true
	}
	return false
}

// RunEvent is one entry of a run's append-only event log.
// (RunID, Seq) is unique and Seq has no gaps starting from 0.
type RunEvent struct {
	RunID   string          `json:"run_id"`
	Seq     int64           `json:"seq"`
	Type    EventType       `json:"event_type"`
	Payload json.RawMessage `json:"payload"`
	At      time.Time       `json:"at"`
}

// LogPayload is the payload of a log event.
type LogPayload struct {
	Level   string `json:"level"`
	Message string `json:"message"`
	StepKey string `json:"step_key,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
}

// ProgressPayload is the payload of a progress event.
type ProgressPayload struct {
	Status       RunStatus `json:"status"`
	Progress     int       `json:"progress"`
	StepKey      string    `json:"step_key,omitempty"`
	StepStatus   string    `json:"step_status,omitempty"`
	CurrentSlide int       `json:"current_slide,omitempty"`
	TotalSlides  int       `json:"total_slides,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// ErrorPayload is the payload of an error event.
type ErrorPayload struct {
	Code    Code   `json:"error_code"`
	Class   Class  `json:"class,omitempty"`
	Message string `json:"message"`
	StepKey string `json:"step_key,omitempty"`
	Attempt int    `json:"attempt,omitempty"`
	Fatal   bool   `json:"fatal"`
}

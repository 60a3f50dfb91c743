package domain

import "time"

// EventType tags an execution event.
type EventType string

const (
	EventSkillStart    EventType = "skill_start"
	EventStepStart     EventType = "step_start"
	EventStepComplete  EventType = "step_complete"
	EventStepFailed    EventType = "step_failed"
	EventStepSkipped   EventType = "step_skipped"
	EventRetry         EventType = "retry"
	EventNotice        EventType = "notice"
	EventSkillComplete EventType = "skill_complete"
)

// ExecutionEvent is one entry in a run's ordered progress stream.
// Seq increases strictly within a run; skill_complete is always last.
// StepIndex is nil for skill-level events.
type ExecutionEvent struct {
	Type      EventType      `json:"type"`
	Seq       int            `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	SkillName string         `json:"skill_name"`
	StepIndex *int           `json:"step_index,omitempty"`
	StepName  string         `json:"step_name,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// EventSink receives execution events in emission order. Handle must not
// block indefinitely and must tolerate events from concurrent runs; the
// emitter serializes calls per run, not across runs.
type EventSink interface {
	Handle(event ExecutionEvent)
}

package api

import "time"

// EventKind identifies a workflow history event.
type EventKind string

const (
	EventWorkflowStarted   EventKind = "workflow.started"
	EventCancelRequested   EventKind = "workflow.cancel_requested"
	EventWorkflowCompleted EventKind = "workflow.completed"
	EventWorkflowFailed    EventKind = "workflow.failed"

	EventStepScheduled EventKind = "step.scheduled"
	EventStepStarted   EventKind = "step.started"
	EventStepCompleted EventKind = "step.completed"
	EventStepFailed    EventKind = "step.failed"

	EventTimerFired EventKind = "timer.fired"
)

// Event is one immutable record of an instance's history. Seq is
// assigned by the event store and is strictly increasing per instance
// with no gaps; an event "happened" only once its append has been
// acknowledged.
//
// Payload holds small JSON documents: the submitted Order on
// workflow.started, the activity output on step.completed. The format
// is stable across process restarts.
type Event struct {
	Seq  int64     `json:"seq"`
	Kind EventKind `json:"kind"`
	At   time.Time `json:"at"`

	// Step-scoped fields; zero for workflow-level events.
	Step    Step `json:"step,omitempty"`
	Attempt int  `json:"attempt,omitempty"`

	// Permanent marks a step.failed that must not be retried.
	Permanent bool `json:"permanent,omitempty"`

	// NeedsAttention marks a workflow.failed whose compensation itself
	// failed, requiring manual intervention.
	NeedsAttention bool `json:"needs_attention,omitempty"`

	Detail  string `json:"detail,omitempty"`
	Payload []byte `json:"payload,omitempty"`
}

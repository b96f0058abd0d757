package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventPassStarted   EventType = "workflow.pass.started"
	EventPassCompleted EventType = "workflow.pass.completed"

	EventStepCompleted EventType = "workflow.step.completed"
	EventStepSkipped   EventType = "workflow.step.skipped"
	EventStepFailed    EventType = "workflow.step.failed"

	EventRunnerStopped EventType = "workflow.runner.stopped"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Workflow  string          `json:"workflow,omitempty"`
	PassID    string          `json:"pass_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StepEventPayload is the payload of workflow.step.* events.
type StepEventPayload struct {
	Step       string        `json:"step"`
	Status     string        `json:"status"`
	StatusCode int           `json:"status_code,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorCode  ErrorCode     `json:"error_code,omitempty"`
	Duration   time.Duration `json:"duration"`
}

// PassEventPayload is the payload of workflow.pass.completed events.
type PassEventPayload struct {
	Pass     uint64        `json:"pass"`
	Steps    int           `json:"steps"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Duration time.Duration `json:"duration"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}

package swarm

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType represents the type of a coordinator lifecycle event.
type EventType string

const (
	// EventRunStarted is published when a run accepts its brief
	EventRunStarted EventType = "run_started"
	// EventPlanCreated carries the first validated plan
	EventPlanCreated EventType = "plan_created"
	// EventActionStarted is published before an action attempt is dispatched
	EventActionStarted EventType = "action_started"
	// EventObservation carries the result of an action attempt
	EventObservation EventType = "observation"
	// EventDecision carries the controller verdict for an observation
	EventDecision EventType = "decision"
	// EventPlanPatched is published after a patch bumps the plan version
	EventPlanPatched EventType = "plan_patched"
	// EventEscalated is published for every routed escalation
	EventEscalated EventType = "escalated"
	// EventRunFinished carries the final status
	EventRunFinished EventType = "run_finished"
	// EventError represents an error that ended the run
	EventError EventType = "error"
)

// Event defines the interface for lifecycle events.
type Event interface {
	// Type returns the event type name that identifies this event.
	Type() EventType

	// Data returns the event's associated data as a map.
	Data() map[string]interface{}

	// Validate checks if the event is properly configured.
	Validate() error
}

// BaseEvent is the event published by the coordinator.
type BaseEvent struct {
	eventType EventType
	runID     string
	at        time.Time
	data      map[string]interface{}
}

// NewBaseEvent creates a new BaseEvent with the given event type and data.
func NewBaseEvent(eventType EventType, data map[string]interface{}) *BaseEvent {
	return &BaseEvent{
		eventType: eventType,
		at:        time.Now().UTC(),
		data:      data,
	}
}

// NewRunEvent creates an event for run runID.
func NewRunEvent(eventType EventType, runID string, data map[string]interface{}) *BaseEvent {
	e := NewBaseEvent(eventType, data)
	e.runID = runID
	return e
}

// Type returns the event type
func (e *BaseEvent) Type() EventType {
	return e.eventType
}

// RunID returns the run the event belongs to.
func (e *BaseEvent) RunID() string {
	return e.runID
}

// Time returns when the event was created.
func (e *BaseEvent) Time() time.Time {
	return e.at
}

// Data returns the event data
func (e *BaseEvent) Data() map[string]interface{} {
	if e.data == nil {
		e.data = make(map[string]interface{})
	}
	return e.data
}

// Set stores a value in the event data with the given key.
func (e *BaseEvent) Set(key string, value interface{}) {
	if e.data == nil {
		e.data = make(map[string]interface{})
	}
	e.data[key] = value
}

// Get retrieves a value from the event data by key.
func (e *BaseEvent) Get(key string) interface{} {
	if e.data == nil {
		return nil
	}
	return e.data[key]
}

// Validate validates the base event
func (e *BaseEvent) Validate() error {
	if e.Type() == "" {
		return fmt.Errorf("event type is required")
	}
	return nil
}

// MarshalJSON renders the event as {"type", "run_id", "time", "data"}.
func (e *BaseEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type  EventType              `json:"type"`
		RunID string                 `json:"run_id,omitempty"`
		Time  time.Time              `json:"time"`
		Data  map[string]interface{} `json:"data,omitempty"`
	}{e.eventType, e.runID, e.at, e.data})
}

// ToMap converts an interface{} to map[string]interface{} using JSON marshaling.
func ToMap(v interface{}) (map[string]interface{}, error) {
	data := make(map[string]interface{})
	bytes, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal failed: %w", err)
	}
	if err := json.Unmarshal(bytes, &data); err != nil {
		return nil, fmt.Errorf("unmarshal failed: %w", err)
	}
	return data, nil
}

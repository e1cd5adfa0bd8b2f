// Package bus provides the internal pub/sub event stream. Every stage of
// a dispatch publishes progress events; the metrics collector and the
// websocket event feed subscribe to them.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// EventType represents the type of event flowing through the bus.
type EventType string

const (
	// Dispatch lifecycle
	EventDispatchReceived EventType = "dispatch_received"
	EventDispatchComplete EventType = "dispatch_complete"
	EventDispatchFailed   EventType = "dispatch_failed"

	// Classification
	EventClassified EventType = "classified"

	// Pipeline execution
	EventPipelineStart    EventType = "pipeline_start"
	EventPipelineComplete EventType = "pipeline_complete"
	EventPipelineError    EventType = "pipeline_error"
	EventTierEscalated    EventType = "tier_escalated"

	// Backend calls
	EventLLMRequest  EventType = "llm_request"
	EventLLMResponse EventType = "llm_response"
	EventLLMError    EventType = "llm_error"

	// Session persistence
	EventMemoryWrite     EventType = "memory_write"
	EventMemoryError     EventType = "memory_error"
	EventSessionsEvicted EventType = "sessions_evicted"
)

// Event is a single progress event in a dispatch's lifecycle.
type Event struct {
	// Core identification
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      EventType `json:"type"`

	// Request tracking
	RequestID string `json:"request_id,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	// Routing context
	Category string `json:"category,omitempty"`
	Priority string `json:"priority,omitempty"`

	// Performance metrics
	Confidence float64 `json:"confidence,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	Count      int64   `json:"count,omitempty"`

	// Content
	Content string `json:"content,omitempty"`

	// Error information
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`

	// Backend context
	Model string `json:"model,omitempty"`
}

// NewEvent creates a new event with the current timestamp and generated ID.
func NewEvent(eventType EventType) Event {
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
	}
}

// Package types defines shared types used across all dispatch modules:
// requests, sessions, turns, routes, and pipeline results exchanged
// between the orchestrator, the classifier, and the specialist pipelines.
package types

import "time"

// Category classifies a request into one of the known specialist domains.
// The set is closed: every category maps to a statically registered
// pipeline, and anything unrecognized collapses to CategoryGeneric.
type Category string

const (
	CategoryCode     Category = "code"
	CategoryVision   Category = "vision"
	CategoryAnalysis Category = "analysis"
	CategorySearch   Category = "search"
	CategoryEmail    Category = "email"
	CategoryGeneric  Category = "generic"
)

// AllCategories returns every valid category, used for validation and
// exhaustive registry checks.
func AllCategories() []Category {
	return []Category{
		CategoryCode,
		CategoryVision,
		CategoryAnalysis,
		CategorySearch,
		CategoryEmail,
		CategoryGeneric,
	}
}

func (c Category) String() string { return string(c) }

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	for _, valid := range AllCategories() {
		if c == valid {
			return true
		}
	}
	return false
}

// Priority determines the overall deadline budget for a dispatch.
// Urgent trades completeness for speed: a shorter budget and no tier
// escalation inside pipelines.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityNormal Priority = "normal"
)

// Role identifies the author of a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ErrorKind tags the expected failure modes of a dispatch. Expected
// failures travel as tagged result variants, never as raised errors to
// the transport caller.
type ErrorKind string

const (
	ErrorNone                  ErrorKind = ""
	ErrorClassificationFailure ErrorKind = "classification_failure"
	ErrorCapabilityMismatch    ErrorKind = "capability_mismatch"
	ErrorBackendUnavailable    ErrorKind = "backend_unavailable"
	ErrorBackendTimeout        ErrorKind = "backend_timeout"
	ErrorInvalidOutput         ErrorKind = "invalid_output"
	ErrorMemoryStoreFailure    ErrorKind = "memory_store_failure"
	ErrorTimeout               ErrorKind = "timeout"
)

// AttachmentKind describes the payload of a request attachment.
type AttachmentKind string

const (
	AttachmentImage    AttachmentKind = "image"
	AttachmentDocument AttachmentKind = "document"
)

// Attachment is an opaque payload delivered alongside the request text.
type Attachment struct {
	Kind AttachmentKind `json:"kind"`
	Name string         `json:"name,omitempty"`
	Data []byte         `json:"data,omitempty"`
	URL  string         `json:"url,omitempty"`
}

// Request is one inbound user message. Immutable once created; owned by
// the orchestrator for the duration of a single dispatch cycle.
type Request struct {
	ID          string       `json:"id"`
	SessionID   string       `json:"session_id"`
	Text        string       `json:"text"`
	Attachments []Attachment `json:"attachments,omitempty"`
	ReceivedAt  time.Time    `json:"received_at"`
}

// HasAttachment reports whether the request carries an attachment of the
// given kind.
func (r *Request) HasAttachment(kind AttachmentKind) bool {
	for _, a := range r.Attachments {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

// Turn is a single user or assistant message within a session's history.
// Immutable once appended.
type Turn struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Category  Category  `json:"category,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the durable conversational context keyed by a stable id.
// Mutated only through orchestrator-issued append and trim operations.
type Session struct {
	ID           string    `json:"id"`
	History      []Turn    `json:"history"`
	LastCategory Category  `json:"last_category,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// LastTurns returns up to n most recent turns, oldest first.
func (s *Session) LastTurns(n int) []Turn {
	if n <= 0 || len(s.History) == 0 {
		return nil
	}
	if len(s.History) <= n {
		return s.History
	}
	return s.History[len(s.History)-n:]
}

// Route is the classifier's decision for one request: which specialist
// handles it, at what priority, against which model. Produced once per
// request and consumed exactly once by the orchestrator.
type Route struct {
	Category      Category  `json:"category"`
	Priority      Priority  `json:"priority"`
	TargetModelID string    `json:"target_model_id"`
	Confidence    float64   `json:"confidence"`
	Complexity    float64   `json:"complexity"`
	FallbackUsed  bool      `json:"fallback_used,omitempty"`
	ClassifiedAt  time.Time `json:"classified_at"`
}

// PipelineResult is the single outcome of one specialist pipeline
// invocation. Success=false carries the error kind; the text of a failed
// result is advisory and never persisted verbatim as an assistant turn.
type PipelineResult struct {
	Text      string        `json:"text"`
	Category  Category      `json:"category"`
	ModelUsed string        `json:"model_used,omitempty"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	ErrorKind ErrorKind     `json:"error_kind,omitempty"`
}

// Failure builds a failed result for the given category and error kind.
func Failure(category Category, kind ErrorKind, latency time.Duration) *PipelineResult {
	return &PipelineResult{
		Category:  category,
		Latency:   latency,
		Success:   false,
		ErrorKind: kind,
	}
}

// CharsPerToken is the heuristic for token estimation (~4 chars per token).
const CharsPerToken = 4

// EstimateTokens provides a rough token estimate for a given text.
func EstimateTokens(text string) int {
	return len(text) / CharsPerToken
}

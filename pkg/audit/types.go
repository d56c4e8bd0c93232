package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType classifies an audit event.
type EventType string

const (
	// Request lifecycle.
	EventRequestCompleted EventType = "request.completed"

	// Authentication outcomes.
	EventAuthSuccess EventType = "auth.success"
	EventAuthFailure EventType = "auth.failure"
	EventAuthDenied  EventType = "auth.denied"

	// Mail dispatch.
	EventMailSent   EventType = "mail.sent"
	EventMailFailed EventType = "mail.failed"

	// Application lifecycle.
	EventSystemStartup  EventType = "system.startup"
	EventSystemShutdown EventType = "system.shutdown"

	// Audit meta events.
	EventAuditDropped EventType = "audit.dropped"
)

// Severity indicates the importance of an audit event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// SeverityForEventType returns the default severity for an event type.
func SeverityForEventType(eventType EventType) Severity {
	switch eventType {
	case EventAuthFailure, EventMailFailed, EventAuditDropped:
		return SeverityCritical
	case EventAuthDenied:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Actor identifies who triggered an event.
type Actor struct {
	// Identity is the authenticated subject, empty for anonymous requests.
	Identity string `json:"identity,omitempty"`

	// Org the identity belongs to.
	Org string `json:"org,omitempty"`

	// Roles granted to the identity.
	Roles []string `json:"roles,omitempty"`

	// SourceIP is the client address after proxy header fixing.
	SourceIP string `json:"sourceIP,omitempty"`

	// UserAgent from the request.
	UserAgent string `json:"userAgent,omitempty"`
}

// RequestInfo describes the HTTP request an event belongs to.
type RequestInfo struct {
	ID       string        `json:"id,omitempty"`
	Method   string        `json:"method"`
	Path     string        `json:"path"`
	Status   int           `json:"status"`
	Duration time.Duration `json:"duration"`
}

// Event is a single audit record.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Severity  Severity       `json:"severity"`
	Timestamp time.Time      `json:"timestamp"`
	Service   string         `json:"service,omitempty"`
	Actor     Actor          `json:"actor"`
	Request   *RequestInfo   `json:"request,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewEvent creates an event with a fresh ID, the current time and the
// default severity for its type.
func NewEvent(eventType EventType) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Severity:  SeverityForEventType(eventType),
		Timestamp: time.Now().UTC(),
	}
}

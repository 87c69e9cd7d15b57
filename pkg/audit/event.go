// Package audit records who did what to which artifact, and when.
//
// Events are built once with NewEvent and handed to a Sink; nothing in this
// package mutates an event after construction.
package audit

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fedmcp/fedmcp/pkg/fedmcperr"
)

// Action names the operation an event describes.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionVerify Action = "verify"
	ActionSign   Action = "sign"
	ActionExport Action = "export"
	ActionImport Action = "import"
)

// Valid reports whether a is one of the standard actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionRead, ActionUpdate, ActionDelete,
		ActionVerify, ActionSign, ActionExport, ActionImport:
		return true
	}
	return false
}

// Metadata keys set by WithOutcome.
const (
	MetaErrorKind = "error_kind"
	MetaError     = "error"
)

var (
	ErrInvalidAction = errors.New("audit: invalid action")
	ErrEmptyActor    = errors.New("audit: actor must not be empty")
)

// Event is a structured audit record.
type Event struct {
	ID          uuid.UUID              `json:"id"`
	Timestamp   time.Time              `json:"timestamp"`
	Action      Action                 `json:"action"`
	Actor       string                 `json:"actor"`
	ArtifactID  *uuid.UUID             `json:"artifactId,omitempty"`
	WorkspaceID uuid.UUID              `json:"workspaceId"`
	Success     bool                   `json:"success"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	IPAddress   string                 `json:"ipAddress,omitempty"`
	UserAgent   string                 `json:"userAgent,omitempty"`
	SessionID   string                 `json:"sessionId,omitempty"`
}

// EventOption customizes NewEvent.
type EventOption func(*Event)

// WithArtifact records the artifact acted on.
func WithArtifact(id uuid.UUID) EventOption {
	return func(e *Event) {
		if id != uuid.Nil {
			e.ArtifactID = &id
		}
	}
}

// WithOutcome sets Success from err and, on failure, records its taxonomy
// kind and message.
func WithOutcome(err error) EventOption {
	return func(e *Event) {
		e.Success = err == nil
		if err != nil {
			e.Metadata[MetaErrorKind] = fedmcperr.Kind(err)
			e.Metadata[MetaError] = err.Error()
		}
	}
}

// WithMetadata adds one metadata entry.
func WithMetadata(key string, value interface{}) EventOption {
	return func(e *Event) { e.Metadata[key] = value }
}

// WithRequest records the caller's network context.
func WithRequest(ipAddress, userAgent, sessionID string) EventOption {
	return func(e *Event) {
		e.IPAddress = ipAddress
		e.UserAgent = userAgent
		e.SessionID = sessionID
	}
}

// WithTimestamp overrides the event time.
func WithTimestamp(t time.Time) EventOption {
	return func(e *Event) { e.Timestamp = t.UTC() }
}

// NewEvent builds a successful event stamped now; options may change that.
func NewEvent(action Action, actor string, workspaceID uuid.UUID, opts ...EventOption) Event {
	e := Event{
		ID:          uuid.New(),
		Timestamp:   time.Now().UTC(),
		Action:      action,
		Actor:       actor,
		WorkspaceID: workspaceID,
		Success:     true,
		Metadata:    map[string]interface{}{},
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// Validate checks the fields every sink relies on.
func (e Event) Validate() error {
	if !e.Action.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidAction, e.Action)
	}
	if e.Actor == "" {
		return ErrEmptyActor
	}
	return nil
}

// ErrorKind returns the recorded failure kind, "" for successes.
func (e Event) ErrorKind() string {
	if k, ok := e.Metadata[MetaErrorKind].(string); ok {
		return k
	}
	return ""
}

// ToLogRecord flattens the event for log aggregation services such as
// CloudWatch Logs. Absent optional fields are explicit nulls.
func (e Event) ToLogRecord() map[string]interface{} {
	return map[string]interface{}{
		"eventId":     e.ID.String(),
		"timestamp":   e.Timestamp.Format(time.RFC3339Nano),
		"action":      string(e.Action),
		"actor":       e.Actor,
		"artifactId":  optionalUUID(e.ArtifactID),
		"workspaceId": e.WorkspaceID.String(),
		"success":     e.Success,
		"metadata":    e.Metadata,
		"ipAddress":   optionalString(e.IPAddress),
		"userAgent":   optionalString(e.UserAgent),
		"sessionId":   optionalString(e.SessionID),
	}
}

func optionalUUID(id *uuid.UUID) interface{} {
	if id == nil {
		return nil
	}
	return id.String()
}

func optionalString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

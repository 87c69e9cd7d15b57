// Package artifact implements the FedMCP artifact: the unit of trust that is
// canonicalized, hashed, signed and later reconstructed from a token.
//
// An Artifact is immutable once constructed. All invariants (non-empty type,
// version >= 1, body size limit) are enforced by New and Parse, so every
// value of this type that exists satisfies them.
package artifact

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/fedmcp/fedmcp/pkg/canonicalize"
	"github.com/fedmcp/fedmcp/pkg/fedmcperr"
)

// MaxBodySize is the largest canonical jsonBody accepted, in bytes (1 MiB).
const MaxBodySize = 1 << 20

var (
	ErrValidation   = fedmcperr.ErrValidation
	ErrSizeExceeded = fedmcperr.ErrSizeExceeded
)

// Artifact is a typed, versioned JSON document owned by a workspace.
type Artifact struct {
	id          uuid.UUID
	typ         string
	version     int
	workspaceID uuid.UUID
	createdAt   string
	body        json.RawMessage // canonical form
}

// wire is the transport representation shared by the canonical and plain encodings.
type wire struct {
	ID          uuid.UUID       `json:"id"`
	Type        string          `json:"type"`
	Version     int             `json:"version"`
	WorkspaceID uuid.UUID       `json:"workspaceId"`
	CreatedAt   string          `json:"createdAt"`
	JSONBody    json.RawMessage `json:"jsonBody"`
}

type options struct {
	id        uuid.UUID
	version   int
	createdAt string
}

// Option customizes New.
type Option func(*options)

// WithID sets the artifact id instead of generating a random UUID.
func WithID(id uuid.UUID) Option {
	return func(o *options) { o.id = id }
}

// WithVersion sets the artifact version (default 1).
func WithVersion(v int) Option {
	return func(o *options) { o.version = v }
}

// WithCreatedAt sets the creation time; it is stored in UTC, RFC 3339 form.
func WithCreatedAt(t time.Time) Option {
	return func(o *options) { o.createdAt = formatTime(t) }
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// New constructs an artifact. body may be any value encoding/json accepts;
// pass json.RawMessage for a pre-serialized document.
func New(typ string, workspaceID uuid.UUID, body interface{}, opts ...Option) (*Artifact, error) {
	o := options{version: 1}
	for _, opt := range opts {
		opt(&o)
	}
	if o.id == uuid.Nil {
		o.id = uuid.New()
	}
	if o.createdAt == "" {
		o.createdAt = formatTime(time.Now())
	}

	canonicalBody, err := canonicalize.JCS(body)
	if err != nil {
		return nil, fmt.Errorf("%w: json body: %v", ErrValidation, err)
	}
	return build(o.id, typ, o.version, workspaceID, o.createdAt, canonicalBody)
}

// build enforces every invariant. body must already be canonical.
func build(id uuid.UUID, typ string, version int, workspaceID uuid.UUID, createdAt string, body []byte) (*Artifact, error) {
	if id == uuid.Nil {
		return nil, fmt.Errorf("%w: id must not be nil", ErrValidation)
	}
	if typ == "" {
		return nil, fmt.Errorf("%w: type must not be empty", ErrValidation)
	}
	if version < 1 {
		return nil, fmt.Errorf("%w: version must be >= 1, got %d", ErrValidation, version)
	}
	if workspaceID == uuid.Nil {
		return nil, fmt.Errorf("%w: workspaceId must not be nil", ErrValidation)
	}
	if createdAt == "" {
		return nil, fmt.Errorf("%w: createdAt must not be empty", ErrValidation)
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: %d bytes (limit %d)", ErrSizeExceeded, len(body), MaxBodySize)
	}
	return &Artifact{
		id:          id,
		typ:         typ,
		version:     version,
		workspaceID: workspaceID,
		createdAt:   createdAt,
		body:        body,
	}, nil
}

// Parse rebuilds an artifact from its wire JSON (canonical or not) and
// re-runs all construction invariants. Every field except version, which
// defaults to 1, must be present.
func Parse(data []byte) (*Artifact, error) {
	var w struct {
		ID          *uuid.UUID      `json:"id"`
		Type        string          `json:"type"`
		Version     *int            `json:"version"`
		WorkspaceID *uuid.UUID      `json:"workspaceId"`
		CreatedAt   string          `json:"createdAt"`
		JSONBody    json.RawMessage `json:"jsonBody"`
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&w); err != nil {
		return nil, fmt.Errorf("%w: malformed artifact: %v", ErrValidation, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after artifact", ErrValidation)
	}
	if w.ID == nil {
		return nil, fmt.Errorf("%w: missing id", ErrValidation)
	}
	if w.WorkspaceID == nil {
		return nil, fmt.Errorf("%w: missing workspaceId", ErrValidation)
	}
	if w.JSONBody == nil {
		return nil, fmt.Errorf("%w: missing jsonBody", ErrValidation)
	}
	version := 1
	if w.Version != nil {
		version = *w.Version
	}

	body, err := canonicalize.Transform(w.JSONBody)
	if err != nil {
		return nil, fmt.Errorf("%w: json body: %v", ErrValidation, err)
	}
	return build(*w.ID, w.Type, version, *w.WorkspaceID, w.CreatedAt, body)
}

func (a *Artifact) ID() uuid.UUID          { return a.id }
func (a *Artifact) Type() string           { return a.typ }
func (a *Artifact) Version() int           { return a.version }
func (a *Artifact) WorkspaceID() uuid.UUID { return a.workspaceID }
func (a *Artifact) CreatedAt() string      { return a.createdAt }

// Body returns a fresh copy of the document; numbers are json.Number.
func (a *Artifact) Body() interface{} {
	v, err := canonicalize.Decode(a.body)
	if err != nil {
		// Unreachable: body was produced by the canonicalizer.
		return nil
	}
	return v
}

// BodyJSON returns a copy of the canonical body bytes.
func (a *Artifact) BodyJSON() json.RawMessage {
	return append(json.RawMessage(nil), a.body...)
}

// BodySize is the canonical body length checked against MaxBodySize.
func (a *Artifact) BodySize() int { return len(a.body) }

func (a *Artifact) wire() wire {
	return wire{
		ID:          a.id,
		Type:        a.typ,
		Version:     a.version,
		WorkspaceID: a.workspaceID,
		CreatedAt:   a.createdAt,
		JSONBody:    a.body,
	}
}

// Canonicalize returns the RFC 8785 form of the artifact's wire record.
// The output depends only on field values, never on how the body's keys
// were ordered when the artifact was built.
func (a *Artifact) Canonicalize() ([]byte, error) {
	return canonicalize.JCS(a.wire())
}

// Hash returns the lowercase hex SHA-256 of Canonicalize's output. The
// creation timestamp and id are part of the input; see ContentHash.
func (a *Artifact) Hash() (string, error) {
	b, err := a.Canonicalize()
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(b), nil
}

// ContentHash digests only the business content (type, version, workspace
// and body), so re-issuing the same document under a new id or timestamp
// yields the same value.
func (a *Artifact) ContentHash() (string, error) {
	return canonicalize.CanonicalHash(struct {
		Type        string          `json:"type"`
		Version     int             `json:"version"`
		WorkspaceID uuid.UUID       `json:"workspaceId"`
		JSONBody    json.RawMessage `json:"jsonBody"`
	}{a.typ, a.version, a.workspaceID, a.body})
}

// Equal reports structural equality over all fields.
func (a *Artifact) Equal(other *Artifact) bool {
	if a == nil || other == nil {
		return a == other
	}
	return a.id == other.id &&
		a.typ == other.typ &&
		a.version == other.version &&
		a.workspaceID == other.workspaceID &&
		a.createdAt == other.createdAt &&
		bytes.Equal(a.body, other.body)
}

// MarshalJSON emits the plain (non-canonical) transport record.
func (a *Artifact) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.wire())
}

// UnmarshalJSON accepts the transport record, validating it like Parse.
func (a *Artifact) UnmarshalJSON(data []byte) error {
	parsed, err := Parse(data)
	if err != nil {
		return err
	}
	*a = *parsed
	return nil
}

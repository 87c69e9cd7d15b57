// Package store persists signed artifacts keyed by artifact id.
//
// A Record holds the plain artifact JSON next to the token that signs it, so
// a reader can both serve the artifact and hand out the token for offline
// verification. Backends: local filesystem, S3, GCS (gcp build tag), Redis
// and memory.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fedmcp/fedmcp/pkg/artifact"
)

var ErrNotFound = errors.New("store: record not found")

// Store defines the contract for signed-record persistence.
type Store interface {
	// Put writes r, replacing any record with the same artifact id.
	Put(ctx context.Context, r *Record) error
	// Get returns ErrNotFound when no record exists.
	Get(ctx context.Context, id uuid.UUID) (*Record, error)
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	// Delete is idempotent.
	Delete(ctx context.Context, id uuid.UUID) error
}

// Record is a stored artifact and its signed token.
type Record struct {
	ArtifactID  uuid.UUID       `json:"artifactId"`
	WorkspaceID uuid.UUID       `json:"workspaceId"`
	Type        string          `json:"type"`
	Hash        string          `json:"hash"`
	KeyID       string          `json:"kid,omitempty"`
	Token       string          `json:"token,omitempty"`
	Artifact    json.RawMessage `json:"artifact"`
	StoredAt    time.Time       `json:"storedAt"`
}

// NewRecord captures a and the token signed by kid. token may be empty for
// unsigned artifacts.
func NewRecord(a *artifact.Artifact, token, kid string) (*Record, error) {
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("store: encode artifact: %w", err)
	}
	hash, err := a.Hash()
	if err != nil {
		return nil, fmt.Errorf("store: hash artifact: %w", err)
	}
	return &Record{
		ArtifactID:  a.ID(),
		WorkspaceID: a.WorkspaceID(),
		Type:        a.Type(),
		Hash:        hash,
		KeyID:       kid,
		Token:       token,
		Artifact:    data,
		StoredAt:    time.Now().UTC(),
	}, nil
}

// Decode rebuilds the artifact and checks it still matches the stored hash.
func (r *Record) Decode() (*artifact.Artifact, error) {
	a, err := artifact.Parse(r.Artifact)
	if err != nil {
		return nil, err
	}
	hash, err := a.Hash()
	if err != nil {
		return nil, err
	}
	if hash != r.Hash {
		return nil, fmt.Errorf("store: record %s hash mismatch", r.ArtifactID)
	}
	return a, nil
}

func validate(r *Record) error {
	if r == nil || r.ArtifactID == uuid.Nil {
		return errors.New("store: record requires an artifact id")
	}
	return nil
}

func encode(r *Record) ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("store: encode record: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("store: decode record: %w", err)
	}
	return &r, nil
}

// objectKey names a record in object and key-value stores.
func objectKey(prefix string, id uuid.UUID) string {
	return prefix + id.String() + ".json"
}

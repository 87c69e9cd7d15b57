// Package notary is the service layer around the artifact core. It admits
// new artifacts through schema and policy checks, signs and verifies tokens,
// optionally persists signed records, and pairs every attempt with exactly
// one audit event.
package notary

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fedmcp/fedmcp/pkg/artifact"
	"github.com/fedmcp/fedmcp/pkg/audit"
	"github.com/fedmcp/fedmcp/pkg/crypto"
	"github.com/fedmcp/fedmcp/pkg/fedmcperr"
	"github.com/fedmcp/fedmcp/pkg/observability"
	"github.com/fedmcp/fedmcp/pkg/policy"
	"github.com/fedmcp/fedmcp/pkg/schema"
	"github.com/fedmcp/fedmcp/pkg/store"
	"github.com/fedmcp/fedmcp/pkg/verifier"
)

var (
	ErrNoSigner   = errors.New("notary: no signer configured")
	ErrNoVerifier = errors.New("notary: no verifier configured")
	ErrNoStore    = errors.New("notary: no store configured")
	ErrNoSink     = errors.New("notary: audit sink is required")
	// ErrRecordMismatch reports a stored artifact its token does not sign.
	ErrRecordMismatch = fmt.Errorf("%w: stored artifact does not match its token", fedmcperr.ErrInvalidSignature)
)

// Metadata keys attached to audit events.
const (
	MetaKeyID        = "key_id"
	MetaArtifactType = "artifact_type"
	MetaArtifactHash = "artifact_hash"
	MetaStored       = "stored"
)

// Notary coordinates artifact operations. It is safe for concurrent use when
// its collaborators are.
type Notary struct {
	sink     audit.Sink
	signer   crypto.Signer
	verifier *verifier.Verifier
	policy   *policy.Engine
	schemas  *schema.Registry
	store    store.Store
	obs      *observability.Provider
	logger   *slog.Logger

	// followSigner is set once TrustSigner succeeds; rotated signer keys
	// are then trusted as they appear.
	followSigner atomic.Bool
}

// Option configures a Notary.
type Option func(*Notary)

// WithSigner enables Sign and CreateAndSign.
func WithSigner(s crypto.Signer) Option { return func(n *Notary) { n.signer = s } }

// WithVerifier enables Verify.
func WithVerifier(v *verifier.Verifier) Option { return func(n *Notary) { n.verifier = v } }

// WithPolicy adds CEL admission rules to Create.
func WithPolicy(p *policy.Engine) Option { return func(n *Notary) { n.policy = p } }

// WithSchemas adds body schema validation to Create.
func WithSchemas(r *schema.Registry) Option { return func(n *Notary) { n.schemas = r } }

// WithStore persists every signed artifact and enables Get.
func WithStore(s store.Store) Option { return func(n *Notary) { n.store = s } }

// WithObservability records spans and RED metrics per operation.
func WithObservability(p *observability.Provider) Option { return func(n *Notary) { n.obs = p } }

// WithLogger replaces the default component logger.
func WithLogger(l *slog.Logger) Option { return func(n *Notary) { n.logger = l } }

// New returns a notary emitting to sink.
func New(sink audit.Sink, opts ...Option) (*Notary, error) {
	if sink == nil {
		return nil, ErrNoSink
	}
	n := &Notary{
		sink:   sink,
		logger: slog.Default().With("component", "notary"),
	}
	for _, opt := range opts {
		opt(n)
	}
	if n.obs == nil {
		obs, err := observability.New(context.Background(), &observability.Config{Enabled: false})
		if err != nil {
			return nil, err
		}
		n.obs = obs
	}
	return n, nil
}

// TrustSigner registers the signer's public key with the verifier so tokens
// issued here verify here. It returns the key id.
func (n *Notary) TrustSigner(ctx context.Context) (string, error) {
	if n.signer == nil {
		return "", ErrNoSigner
	}
	if n.verifier == nil {
		return "", ErrNoVerifier
	}
	jwk, err := n.signer.PublicKeyJWK(ctx)
	if err != nil {
		return "", err
	}
	kid, err := n.verifier.AddJWK(jwk)
	if err != nil {
		return "", err
	}
	n.followSigner.Store(true)
	return kid, nil
}

func (n *Notary) trustRotatedKey(ctx context.Context, kid string) {
	if !n.followSigner.Load() || slices.Contains(n.verifier.KeyIDs(), kid) {
		return
	}
	if _, err := n.TrustSigner(ctx); err != nil {
		n.logger.WarnContext(ctx, "trust rotated signer key failed", "key_id", kid, "error", err)
		return
	}
	n.logger.InfoContext(ctx, "trusted rotated signer key", "key_id", kid)
}

// SignerKeyID returns the signing key id, or "" without a signer.
func (n *Notary) SignerKeyID() string {
	if n.signer == nil {
		return ""
	}
	return n.signer.KeyID()
}

// Keys returns the verifier's trusted keys.
func (n *Notary) Keys() (*crypto.JWKSet, error) {
	if n.verifier == nil {
		return nil, ErrNoVerifier
	}
	return n.verifier.JWKSet()
}

// Create builds and admits a new artifact.
func (n *Notary) Create(ctx context.Context, typ string, workspaceID uuid.UUID, body interface{}, opts ...artifact.Option) (a *artifact.Artifact, err error) {
	ctx, done := n.obs.TrackOperation(ctx, "notary.create", attribute.String("artifact.type", typ))
	defer func() { done(err) }()

	meta := []audit.EventOption{audit.WithMetadata(MetaArtifactType, typ)}
	defer func() {
		if a != nil {
			meta = append(meta, audit.WithArtifact(a.ID()))
		}
		n.emit(ctx, audit.ActionCreate, workspaceID, err, meta...)
	}()

	a, err = artifact.New(typ, workspaceID, body, opts...)
	if err != nil {
		return nil, err
	}
	if err = n.admit(ctx, a); err != nil {
		// The rejected artifact id still goes on the audit record.
		meta = append(meta, audit.WithArtifact(a.ID()))
		return nil, err
	}
	return a, nil
}

func (n *Notary) admit(ctx context.Context, a *artifact.Artifact) error {
	if n.schemas != nil {
		if err := n.schemas.Validate(a); err != nil {
			return err
		}
	}
	if n.policy != nil {
		if err := n.policy.Admit(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

// Sign signs a and, when a store is configured, persists the signed record.
func (n *Notary) Sign(ctx context.Context, a *artifact.Artifact) (token string, err error) {
	var typ string
	workspaceID := uuid.Nil
	meta := []audit.EventOption{}
	if a != nil {
		typ = a.Type()
		workspaceID = a.WorkspaceID()
		meta = append(meta,
			audit.WithArtifact(a.ID()),
			audit.WithMetadata(MetaArtifactType, typ),
		)
	}
	ctx, done := n.obs.TrackOperation(ctx, "notary.sign", attribute.String("artifact.type", typ))
	defer func() { done(err) }()
	defer func() { n.emit(ctx, audit.ActionSign, workspaceID, err, meta...) }()

	if a == nil {
		return "", fmt.Errorf("%w: nil artifact", fedmcperr.ErrValidation)
	}
	if n.signer == nil {
		return "", ErrNoSigner
	}

	token, err = n.signer.Sign(ctx, a)
	if err != nil {
		return "", err
	}
	// Read after signing: a managed signer may pick up a rotated key.
	kid := n.signer.KeyID()
	meta = append(meta, audit.WithMetadata(MetaKeyID, kid))
	n.trustRotatedKey(ctx, kid)
	if n.store != nil {
		rec, err := store.NewRecord(a, token, kid)
		if err != nil {
			return "", err
		}
		if err := n.store.Put(ctx, rec); err != nil {
			return "", fmt.Errorf("notary: persist %s: %w", a.ID(), err)
		}
		meta = append(meta,
			audit.WithMetadata(MetaStored, true),
			audit.WithMetadata(MetaArtifactHash, rec.Hash),
		)
	}
	return token, nil
}

// CreateAndSign runs Create then Sign. Each step emits its own event.
func (n *Notary) CreateAndSign(ctx context.Context, typ string, workspaceID uuid.UUID, body interface{}, opts ...artifact.Option) (*artifact.Artifact, string, error) {
	a, err := n.Create(ctx, typ, workspaceID, body, opts...)
	if err != nil {
		return nil, "", err
	}
	token, err := n.Sign(ctx, a)
	if err != nil {
		return a, "", err
	}
	return a, token, nil
}

// Verify checks token against the verifier's registry. Failed attempts are
// audited under the nil workspace since nothing in the token can be trusted.
func (n *Notary) Verify(ctx context.Context, token string) (res *verifier.Result, err error) {
	ctx, done := n.obs.TrackOperation(ctx, "notary.verify")
	defer func() { done(err) }()

	defer func() {
		if res == nil {
			n.emit(ctx, audit.ActionVerify, uuid.Nil, err)
			return
		}
		n.emit(ctx, audit.ActionVerify, res.Artifact.WorkspaceID(), nil,
			audit.WithArtifact(res.Artifact.ID()),
			audit.WithMetadata(MetaArtifactType, res.Artifact.Type()),
			audit.WithMetadata(MetaKeyID, res.KeyID),
		)
	}()

	if n.verifier == nil {
		return nil, ErrNoVerifier
	}
	return n.verifier.VerifyClaims(token)
}

// Get loads a stored record and checks its integrity. With a verifier
// configured, the record's token must verify and carry exactly the stored
// artifact, so a record rewritten together with its hash is rejected.
func (n *Notary) Get(ctx context.Context, id uuid.UUID) (rec *store.Record, err error) {
	ctx, done := n.obs.TrackOperation(ctx, "notary.get")
	defer func() { done(err) }()

	workspaceID := uuid.Nil
	defer func() {
		n.emit(ctx, audit.ActionRead, workspaceID, err, audit.WithArtifact(id))
	}()

	if n.store == nil {
		return nil, ErrNoStore
	}
	rec, err = n.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	workspaceID = rec.WorkspaceID
	a, err := rec.Decode()
	if err != nil {
		return nil, err
	}
	if n.verifier == nil {
		return rec, nil
	}
	if rec.Token == "" {
		return nil, fmt.Errorf("%w: record %s has no token", ErrRecordMismatch, id)
	}
	res, err := n.verifier.VerifyClaims(rec.Token)
	if err != nil {
		return nil, fmt.Errorf("notary: record %s token: %w", id, err)
	}
	if !res.Artifact.Equal(a) {
		return nil, fmt.Errorf("%w: record %s", ErrRecordMismatch, id)
	}
	return rec, nil
}

// emit records one event. Sink failures are logged; the operation result
// stands.
func (n *Notary) emit(ctx context.Context, action audit.Action, workspaceID uuid.UUID, opErr error, opts ...audit.EventOption) {
	c := CallerFrom(ctx)
	opts = append(opts,
		audit.WithOutcome(opErr),
		audit.WithRequest(c.IPAddress, c.UserAgent, c.SessionID),
	)
	e := audit.NewEvent(action, c.Actor, workspaceID, opts...)
	if err := n.sink.Emit(ctx, e); err != nil {
		n.logger.ErrorContext(ctx, "audit emit failed",
			"action", string(action),
			"event_id", e.ID.String(),
			"error", err,
		)
	}
	if opErr != nil {
		n.logger.WarnContext(ctx, "operation failed",
			"action", string(action),
			"error_kind", e.ErrorKind(),
			"error", opErr,
		)
	}
}

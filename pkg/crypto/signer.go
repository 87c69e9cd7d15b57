// Package crypto produces FedMCP signed tokens.
//
// A token is a compact ES256 JWS: base64url(header) "." base64url(payload)
// "." base64url(r||s). The header carries the signer's key id, the payload
// binds the canonical artifact to its workspace (iss) and id (sub).
package crypto

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fedmcp/fedmcp/pkg/artifact"
	"github.com/fedmcp/fedmcp/pkg/fedmcperr"
)

const (
	// Algorithm is the only JWS algorithm produced or accepted.
	Algorithm = "ES256"
	// TokenType is the fixed typ header value.
	TokenType = "JWT"
)

// Signer turns an artifact into a signed token.
type Signer interface {
	Sign(ctx context.Context, a *artifact.Artifact) (string, error)
	KeyID() string
	PublicKeyJWK(ctx context.Context) (*JWK, error)
}

// Claims is the token payload.
type Claims struct {
	jwt.RegisteredClaims
	// Artifact is the canonical artifact JSON as text.
	Artifact string `json:"artifact"`
}

// NewClaims binds a to the given issue time.
func NewClaims(a *artifact.Artifact, issuedAt time.Time) (*Claims, error) {
	if a == nil {
		return nil, fmt.Errorf("%w: nil artifact", fedmcperr.ErrValidation)
	}
	canonical, err := a.Canonicalize()
	if err != nil {
		return nil, fmt.Errorf("canonicalize artifact: %w", err)
	}
	return &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:   a.WorkspaceID().String(),
			Subject:  a.ID().String(),
			IssuedAt: jwt.NewNumericDate(issuedAt),
		},
		Artifact: string(canonical),
	}, nil
}

// SigningInput returns the "header.payload" string a signature covers.
// Segments are encoded without HTML escaping, so markup in an artifact body
// does not inflate the token.
func SigningInput(kid string, claims *Claims) (string, error) {
	header, err := encodeSegment(map[string]string{
		"alg": jwt.SigningMethodES256.Alg(),
		"typ": TokenType,
		"kid": kid,
	})
	if err != nil {
		return "", fmt.Errorf("encode header: %w", err)
	}
	payload, err := encodeSegment(claims)
	if err != nil {
		return "", fmt.Errorf("encode claims: %w", err)
	}
	return header + "." + payload, nil
}

func encodeSegment(v interface{}) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

type options struct {
	keyID string
	now   func() time.Time
}

// Option customizes a signer.
type Option func(*options)

// WithKeyID overrides the derived key id.
func WithKeyID(kid string) Option {
	return func(o *options) { o.keyID = kid }
}

// WithClock sets the source of the iat claim.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Package verifier reconstructs artifacts from signed tokens.
//
// Verification is a fixed sequence of checks and stops at the first failure:
// token structure, key id, key registration, signature, artifact presence,
// artifact validity, then the sub and iss bindings. A token either yields a
// fully validated artifact or an error; there is no partial result.
package verifier

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fedmcp/fedmcp/pkg/artifact"
	"github.com/fedmcp/fedmcp/pkg/crypto"
	"github.com/fedmcp/fedmcp/pkg/fedmcperr"
	"github.com/fedmcp/fedmcp/pkg/kms"
)

var (
	ErrInvalidFormat    = fedmcperr.ErrInvalidFormat
	ErrMissingKeyID     = fedmcperr.ErrMissingKeyID
	ErrUnknownKey       = fedmcperr.ErrUnknownKey
	ErrInvalidSignature = fedmcperr.ErrInvalidSignature
	ErrMissingArtifact  = fedmcperr.ErrMissingArtifact
	ErrSubjectMismatch  = fedmcperr.ErrSubjectMismatch
	ErrIssuerMismatch   = fedmcperr.ErrIssuerMismatch
	ErrKeyFetch         = fedmcperr.ErrKeyFetch
)

// Signature segments must decode strictly so that altered trailing bits are
// never silently dropped.
var sigEncoding = base64.RawURLEncoding.Strict()

// Verifier holds the registry of trusted public keys by key id.
type Verifier struct {
	mu   sync.RWMutex
	keys map[string]*ecdsa.PublicKey
}

// New creates a verifier with an empty registry.
func New() *Verifier {
	return &Verifier{keys: make(map[string]*ecdsa.PublicKey)}
}

// AddPublicKey registers pub under kid, replacing any previous key.
func (v *Verifier) AddPublicKey(kid string, pub *ecdsa.PublicKey) error {
	if kid == "" {
		return fmt.Errorf("%w: empty key id", crypto.ErrInvalidKey)
	}
	if pub == nil || pub.Curve != elliptic.P256() {
		return fmt.Errorf("%w: not an ECDSA P-256 key", crypto.ErrInvalidKey)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys[kid] = pub
	return nil
}

// AddJWK registers a key export record. Records without kid are registered
// under the id derived from their coordinates, which is returned.
func (v *Verifier) AddJWK(jwk *crypto.JWK) (string, error) {
	if jwk == nil {
		return "", fmt.Errorf("%w: nil JWK", crypto.ErrInvalidKey)
	}
	pub, err := jwk.PublicKey()
	if err != nil {
		return "", err
	}
	kid := jwk.KeyID()
	if err := v.AddPublicKey(kid, pub); err != nil {
		return "", err
	}
	return kid, nil
}

// AddJWKSet registers every key of set.
func (v *Verifier) AddJWKSet(set *crypto.JWKSet) error {
	for i := range set.Keys {
		if _, err := v.AddJWK(&set.Keys[i]); err != nil {
			return fmt.Errorf("key %d: %w", i, err)
		}
	}
	return nil
}

// AddManagedKey fetches the public half of keyRef from backend once and
// registers it. An empty kid is derived from the fetched key.
func (v *Verifier) AddManagedKey(ctx context.Context, backend kms.Backend, kid, keyRef string) (string, error) {
	der, err := backend.PublicKey(ctx, keyRef)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyFetch, err)
	}
	pub, err := crypto.ParsePublicKeyDER(der)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrKeyFetch, err)
	}
	if kid == "" {
		kid = crypto.KeyIDFromDER(der)
	}
	if err := v.AddPublicKey(kid, pub); err != nil {
		return "", err
	}
	return kid, nil
}

// RemoveKey drops kid from the registry. It reports whether kid was present.
func (v *Verifier) RemoveKey(kid string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.keys[kid]
	delete(v.keys, kid)
	return ok
}

// KeyIDs returns the registered key ids, sorted.
func (v *Verifier) KeyIDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.keys))
	for kid := range v.keys {
		ids = append(ids, kid)
	}
	sort.Strings(ids)
	return ids
}

// JWKSet exports the registry.
func (v *Verifier) JWKSet() (*crypto.JWKSet, error) {
	set := &crypto.JWKSet{Keys: []crypto.JWK{}}
	for _, kid := range v.KeyIDs() {
		pub, ok := v.lookup(kid)
		if !ok {
			continue
		}
		jwk, err := crypto.NewJWK(pub, kid)
		if err != nil {
			return nil, err
		}
		set.Keys = append(set.Keys, *jwk)
	}
	return set, nil
}

func (v *Verifier) lookup(kid string) (*ecdsa.PublicKey, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	pub, ok := v.keys[kid]
	return pub, ok
}

// Result is a verified token.
type Result struct {
	Artifact *artifact.Artifact
	Claims   *crypto.Claims
	KeyID    string
}

// Verify validates token and returns the artifact it carries.
func (v *Verifier) Verify(token string) (*artifact.Artifact, error) {
	res, err := v.VerifyClaims(token)
	if err != nil {
		return nil, err
	}
	return res.Artifact, nil
}

// VerifyClaims validates token and returns the artifact with its claims.
func (v *Verifier) VerifyClaims(token string) (*Result, error) {
	// 1. Structure.
	segs := strings.Split(token, ".")
	if len(segs) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrInvalidFormat, len(segs))
	}

	// 2. Header with kid.
	header, err := decodeHeader(segs[0])
	if err != nil {
		return nil, err
	}

	// 3. Registered key.
	pub, ok := v.lookup(header.Kid)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, header.Kid)
	}

	// 4. Signature.
	if header.Alg != jwt.SigningMethodES256.Alg() {
		return nil, fmt.Errorf("%w: unsupported alg %q", ErrInvalidSignature, header.Alg)
	}
	sig, err := sigEncoding.DecodeString(segs[2])
	if err != nil {
		return nil, fmt.Errorf("%w: signature encoding: %v", ErrInvalidSignature, err)
	}
	if err := jwt.SigningMethodES256.Verify(segs[0]+"."+segs[1], sig, pub); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	// 5. Artifact member present.
	payload, err := decodePayload(segs[1])
	if err != nil {
		return nil, err
	}

	// 6. Artifact valid.
	var embedded string
	if err := json.Unmarshal(payload["artifact"], &embedded); err != nil {
		return nil, fmt.Errorf("%w: artifact claim is not a string", fedmcperr.ErrValidation)
	}
	a, err := artifact.Parse([]byte(embedded))
	if err != nil {
		return nil, err
	}

	claims := &crypto.Claims{Artifact: embedded}
	claims.Subject = stringClaim(payload, "sub")
	claims.Issuer = stringClaim(payload, "iss")
	if raw, ok := payload["iat"]; ok {
		var iat jwt.NumericDate
		if json.Unmarshal(raw, &iat) == nil {
			claims.IssuedAt = &iat
		}
	}

	// 7. and 8. Bindings.
	if id := a.ID().String(); id != claims.Subject {
		return nil, fmt.Errorf("%w: artifact %s, sub %q", ErrSubjectMismatch, id, claims.Subject)
	}
	if ws := a.WorkspaceID().String(); ws != claims.Issuer {
		return nil, fmt.Errorf("%w: workspace %s, iss %q", ErrIssuerMismatch, ws, claims.Issuer)
	}

	return &Result{Artifact: a, Claims: claims, KeyID: header.Kid}, nil
}

type header struct {
	Alg string
	Kid string
}

func decodeHeader(seg string) (*header, error) {
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return nil, fmt.Errorf("%w: header encoding: %v", ErrMissingKeyID, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: header is not a JSON object", ErrMissingKeyID)
	}
	var h header
	if err := json.Unmarshal(fields["kid"], &h.Kid); err != nil || h.Kid == "" {
		return nil, fmt.Errorf("%w: kid absent or not a string", ErrMissingKeyID)
	}
	// A malformed alg is caught by the signature step.
	_ = json.Unmarshal(fields["alg"], &h.Alg)
	return &h, nil
}

func decodePayload(seg string) (map[string]json.RawMessage, error) {
	raw, err := base64.RawURLEncoding.DecodeString(seg)
	if err != nil {
		return nil, fmt.Errorf("%w: payload encoding: %v", ErrMissingArtifact, err)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, fmt.Errorf("%w: payload is not a JSON object", ErrMissingArtifact)
	}
	if _, ok := fields["artifact"]; !ok {
		return nil, ErrMissingArtifact
	}
	return fields, nil
}

func stringClaim(payload map[string]json.RawMessage, name string) string {
	var s string
	if raw, ok := payload[name]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

package crypto

import (
	"context"
	"crypto/ecdsa"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fedmcp/fedmcp/pkg/artifact"
	"github.com/fedmcp/fedmcp/pkg/fedmcperr"
	"github.com/fedmcp/fedmcp/pkg/kms"
)

// ManagedSigner delegates signatures to a key-management backend and never
// sees private key material.
//
// Unless the key id is pinned with WithKeyID, every signature is checked
// against the cached public key. A mismatch means the backend rotated the
// key: the signer refetches the public key, adopts the derived key id and
// signs again.
type ManagedSigner struct {
	backend kms.Backend
	keyRef  string
	pinned  bool
	opts    options

	mu  sync.RWMutex
	kid string
	pub *ecdsa.PublicKey
}

var _ Signer = (*ManagedSigner)(nil)

// NewManagedSigner binds keyRef on backend. Unless WithKeyID is given, the
// public key is fetched once to derive the key id.
func NewManagedSigner(ctx context.Context, backend kms.Backend, keyRef string, opts ...Option) (*ManagedSigner, error) {
	if keyRef == "" {
		return nil, fmt.Errorf("%w: %w", fedmcperr.ErrKeyFetch, kms.ErrEmptyKeyRef)
	}
	o := applyOptions(opts)
	s := &ManagedSigner{backend: backend, keyRef: keyRef, opts: o, kid: o.keyID, pinned: o.keyID != ""}
	if !s.pinned {
		if _, _, err := s.refresh(ctx); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *ManagedSigner) KeyID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.kid
}

// KeyRef returns the backend key reference.
func (s *ManagedSigner) KeyRef() string { return s.keyRef }

// refresh fetches the backend's current public key and, unless the key id is
// pinned, derives the key id from it.
func (s *ManagedSigner) refresh(ctx context.Context) (string, *ecdsa.PublicKey, error) {
	der, err := s.backend.PublicKey(ctx, s.keyRef)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", fedmcperr.ErrKeyFetch, err)
	}
	pub, err := ParsePublicKeyDER(der)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", fedmcperr.ErrKeyFetch, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pinned {
		s.kid = KeyIDFromDER(der)
		s.pub = pub
	}
	return s.kid, pub, nil
}

// PublicKeyJWK fetches the current public key from the backend.
func (s *ManagedSigner) PublicKeyJWK(ctx context.Context) (*JWK, error) {
	kid, pub, err := s.refresh(ctx)
	if err != nil {
		return nil, err
	}
	return NewJWK(pub, kid)
}

func (s *ManagedSigner) Sign(ctx context.Context, a *artifact.Artifact) (string, error) {
	claims, err := NewClaims(a, s.opts.now())
	if err != nil {
		return "", err
	}

	s.mu.RLock()
	kid, pub := s.kid, s.pub
	s.mu.RUnlock()

	input, sig, err := s.signInput(ctx, kid, claims)
	if err != nil {
		return "", err
	}
	if pub == nil || jwt.SigningMethodES256.Verify(input, sig, pub) == nil {
		return input + "." + base64.RawURLEncoding.EncodeToString(sig), nil
	}

	newKid, newPub, err := s.refresh(ctx)
	if err != nil {
		return "", fmt.Errorf("%w: %w", fedmcperr.ErrSigningFailure, err)
	}
	if newKid == kid {
		return "", fmt.Errorf("%w: backend signature does not verify under key %s", fedmcperr.ErrSigningFailure, kid)
	}
	input, sig, err = s.signInput(ctx, newKid, claims)
	if err != nil {
		return "", err
	}
	if err := jwt.SigningMethodES256.Verify(input, sig, newPub); err != nil {
		return "", fmt.Errorf("%w: backend signature does not verify under rotated key %s: %w",
			fedmcperr.ErrSigningFailure, newKid, err)
	}
	return input + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

func (s *ManagedSigner) signInput(ctx context.Context, kid string, claims *Claims) (string, []byte, error) {
	input, err := SigningInput(kid, claims)
	if err != nil {
		return "", nil, err
	}
	der, err := s.backend.Sign(ctx, s.keyRef, []byte(input))
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", fedmcperr.ErrSigningFailure, err)
	}
	raw, err := derToRaw(der)
	if err != nil {
		return "", nil, fmt.Errorf("%w: backend returned %w", fedmcperr.ErrSigningFailure, err)
	}
	return input, raw, nil
}

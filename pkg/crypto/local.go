package crypto

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fedmcp/fedmcp/pkg/artifact"
)

// LocalSigner holds an ECDSA P-256 key pair in memory.
type LocalSigner struct {
	priv *ecdsa.PrivateKey
	kid  string
	opts options
}

var _ Signer = (*LocalSigner)(nil)

// NewLocalSigner generates a fresh key pair.
func NewLocalSigner(opts ...Option) (*LocalSigner, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return NewLocalSignerFromKey(priv, opts...)
}

// NewLocalSignerFromKey wraps an existing P-256 private key.
func NewLocalSignerFromKey(priv *ecdsa.PrivateKey, opts ...Option) (*LocalSigner, error) {
	if priv == nil || priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: signer requires an ECDSA P-256 key", ErrInvalidKey)
	}
	o := applyOptions(opts)
	kid := o.keyID
	if kid == "" {
		var err error
		if kid, err = KeyIDFromPublicKey(&priv.PublicKey); err != nil {
			return nil, err
		}
	}
	return &LocalSigner{priv: priv, kid: kid, opts: o}, nil
}

// LoadLocalSignerPEM reads a SEC 1 ("EC PRIVATE KEY") or PKCS #8
// ("PRIVATE KEY") PEM block.
func LoadLocalSignerPEM(data []byte, opts ...Option) (*LocalSigner, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("no PEM block found")
	}

	var priv *ecdsa.PrivateKey
	switch block.Type {
	case "EC PRIVATE KEY":
		k, err := x509.ParseECPrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse EC private key: %w", err)
		}
		priv = k
	case "PRIVATE KEY":
		parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse PKCS#8 private key: %w", err)
		}
		k, ok := parsed.(*ecdsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("%w: PKCS#8 key is %T", ErrInvalidKey, parsed)
		}
		priv = k
	default:
		return nil, fmt.Errorf("unsupported PEM block %q", block.Type)
	}
	return NewLocalSignerFromKey(priv, opts...)
}

// PrivateKeyPEM encodes the private key as PKCS #8 PEM.
func (s *LocalSigner) PrivateKeyPEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(s.priv)
	if err != nil {
		return nil, fmt.Errorf("encode private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// PublicKey returns the public half.
func (s *LocalSigner) PublicKey() *ecdsa.PublicKey {
	return &s.priv.PublicKey
}

func (s *LocalSigner) KeyID() string {
	return s.kid
}

func (s *LocalSigner) PublicKeyJWK(context.Context) (*JWK, error) {
	return NewJWK(&s.priv.PublicKey, s.kid)
}

func (s *LocalSigner) Sign(_ context.Context, a *artifact.Artifact) (string, error) {
	claims, err := NewClaims(a, s.opts.now())
	if err != nil {
		return "", err
	}
	input, err := SigningInput(s.kid, claims)
	if err != nil {
		return "", err
	}
	sig, err := jwt.SigningMethodES256.Sign(input, s.priv)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return input + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

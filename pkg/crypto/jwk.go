package crypto

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
)

const coordSize = 32

var ErrInvalidKey = errors.New("invalid public key")

// JWK is the portable public key export record.
type JWK struct {
	Kty string `json:"kty"`
	Crv string `json:"crv"`
	X   string `json:"x"`
	Y   string `json:"y"`
	Kid string `json:"kid,omitempty"`
	Use string `json:"use,omitempty"`
	Alg string `json:"alg,omitempty"`
}

// JWKSet is a JSON Web Key Set document.
type JWKSet struct {
	Keys []JWK `json:"keys"`
}

// KeyIDFromDER derives a key id from PKIX DER public key bytes.
func KeyIDFromDER(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])[:16]
}

// KeyIDFromPublicKey derives the key id of pub.
func KeyIDFromPublicKey(pub *ecdsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return KeyIDFromDER(der), nil
}

// KeyIDFromCoordinates derives the key id of a JWK that carries none.
func KeyIDFromCoordinates(x, y string) string {
	sum := sha256.Sum256([]byte(x + y))
	return hex.EncodeToString(sum[:])[:16]
}

// ParsePublicKeyDER parses a PKIX DER P-256 public key.
func ParsePublicKeyDER(der []byte) (*ecdsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not an ECDSA P-256 key", ErrInvalidKey)
	}
	return pub, nil
}

// NewJWK describes pub. An empty kid is left empty.
func NewJWK(pub *ecdsa.PublicKey, kid string) (*JWK, error) {
	if pub == nil || pub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: not an ECDSA P-256 key", ErrInvalidKey)
	}
	ek, err := pub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	// Uncompressed point: 0x04 || X || Y.
	point := ek.Bytes()
	return &JWK{
		Kty: "EC",
		Crv: "P-256",
		X:   base64.RawURLEncoding.EncodeToString(point[1 : 1+coordSize]),
		Y:   base64.RawURLEncoding.EncodeToString(point[1+coordSize:]),
		Kid: kid,
		Use: "sig",
		Alg: Algorithm,
	}, nil
}

// KeyID returns the explicit kid or the one derived from the coordinates.
func (j *JWK) KeyID() string {
	if j.Kid != "" {
		return j.Kid
	}
	return KeyIDFromCoordinates(j.X, j.Y)
}

// PublicKey reconstructs the described key, rejecting points off the curve.
func (j *JWK) PublicKey() (*ecdsa.PublicKey, error) {
	if j.Kty != "EC" || j.Crv != "P-256" {
		return nil, fmt.Errorf("%w: unsupported kty/crv %q/%q", ErrInvalidKey, j.Kty, j.Crv)
	}
	if j.Alg != "" && j.Alg != Algorithm {
		return nil, fmt.Errorf("%w: unsupported alg %q", ErrInvalidKey, j.Alg)
	}
	x, err := decodeCoord(j.X)
	if err != nil {
		return nil, fmt.Errorf("%w: x: %v", ErrInvalidKey, err)
	}
	y, err := decodeCoord(j.Y)
	if err != nil {
		return nil, fmt.Errorf("%w: y: %v", ErrInvalidKey, err)
	}

	point := make([]byte, 0, 1+2*coordSize)
	point = append(point, 0x04)
	point = append(point, x...)
	point = append(point, y...)
	if _, err := ecdh.P256().NewPublicKey(point); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKey, err)
	}
	return &ecdsa.PublicKey{
		Curve: elliptic.P256(),
		X:     new(big.Int).SetBytes(x),
		Y:     new(big.Int).SetBytes(y),
	}, nil
}

func decodeCoord(s string) ([]byte, error) {
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(b) != coordSize {
		return nil, fmt.Errorf("length %d, want %d", len(b), coordSize)
	}
	return b, nil
}

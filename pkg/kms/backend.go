// Package kms provides the key-management backends a managed signer
// delegates to.
//
// A Backend never hands out private key material. It signs messages with a
// key named by an opaque reference and returns that key's public half as
// PKIX DER. Two backends ship here: AWSBackend (AWS KMS) and FileBackend, a
// persistent file-backed keystore for development and air-gapped installs.
// Guarded wraps either with rate limiting and retries of transient failures.
package kms

import (
	"context"
	"errors"
)

// Backend is the external key-management contract.
type Backend interface {
	// Sign returns an ASN.1 DER ECDSA signature over SHA-256(message).
	Sign(ctx context.Context, keyRef string, message []byte) ([]byte, error)
	// PublicKey returns the PKIX (SubjectPublicKeyInfo) DER public key.
	PublicKey(ctx context.Context, keyRef string) ([]byte, error)
}

var (
	ErrKeyNotFound = errors.New("kms: key not found")
	ErrKeyDisabled = errors.New("kms: key disabled")
	ErrEmptyKeyRef = errors.New("kms: key reference must not be empty")
	// ErrTransient marks failures worth retrying (throttling, timeouts, 5xx).
	ErrTransient = errors.New("kms: transient failure")
)

type transientError struct{ err error }

func (e *transientError) Error() string        { return e.err.Error() }
func (e *transientError) Unwrap() error        { return e.err }
func (e *transientError) Is(target error) bool { return target == ErrTransient }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err may succeed on retry.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

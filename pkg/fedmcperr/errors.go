// Package fedmcperr defines the failure taxonomy shared by the artifact,
// signing and verification packages.
//
// Every failure is a distinct sentinel so callers can branch with errors.Is.
// Kind maps any error onto the stable name recorded in audit metadata.
package fedmcperr

import (
	"context"
	"errors"
)

var (
	// ErrValidation covers oversized or malformed artifact content.
	ErrValidation = errors.New("validation error")
	// ErrSizeExceeded is a validation failure for bodies larger than the size limit.
	ErrSizeExceeded = &kindError{msg: "json body exceeds size limit", parent: ErrValidation}
	// ErrInvalidFormat reports a token that is not three dot-separated segments.
	ErrInvalidFormat = errors.New("invalid token format")
	// ErrMissingKeyID reports a header without a usable kid.
	ErrMissingKeyID = errors.New("missing key id")
	// ErrUnknownKey reports a kid absent from the verifier registry.
	ErrUnknownKey = errors.New("unknown key")
	// ErrInvalidSignature covers every cryptographic check failure, including tampering.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrMissingArtifact reports a payload without an artifact member.
	ErrMissingArtifact = errors.New("missing artifact")
	ErrSubjectMismatch = errors.New("artifact id does not match subject claim")
	ErrIssuerMismatch  = errors.New("workspace id does not match issuer claim")
	// ErrSigningFailure reports a key backend that was unreachable, disabled or refused to sign.
	ErrSigningFailure = errors.New("signing failure")
	// ErrKeyFetch reports a key backend that could not return public key material.
	ErrKeyFetch = errors.New("key fetch failure")
)

// kindError is a sentinel that also matches a broader parent sentinel.
type kindError struct {
	msg    string
	parent error
}

func (e *kindError) Error() string { return e.msg }

func (e *kindError) Is(target error) bool { return target == e.parent }

var kinds = []struct {
	err  error
	name string
}{
	// Order matters: ErrSizeExceeded must be tested before ErrValidation.
	{ErrSizeExceeded, "SizeExceeded"},
	{ErrValidation, "ValidationError"},
	{ErrInvalidFormat, "InvalidFormat"},
	{ErrMissingKeyID, "MissingKeyId"},
	{ErrUnknownKey, "UnknownKey"},
	{ErrInvalidSignature, "InvalidSignature"},
	{ErrMissingArtifact, "MissingArtifact"},
	{ErrSubjectMismatch, "SubjectMismatch"},
	{ErrIssuerMismatch, "IssuerMismatch"},
	{ErrSigningFailure, "SigningFailure"},
	{ErrKeyFetch, "KeyFetchFailure"},
}

// Kind returns the taxonomy name of err, "" for nil and "Internal" for
// errors outside the taxonomy.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "Canceled"
	}
	return "Internal"
}

// IsCryptographic reports whether err is a failure no retry can fix.
func IsCryptographic(err error) bool {
	return errors.Is(err, ErrInvalidSignature) ||
		errors.Is(err, ErrUnknownKey) ||
		errors.Is(err, ErrMissingKeyID) ||
		errors.Is(err, ErrInvalidFormat)
}

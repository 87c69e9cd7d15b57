package fedmcperr_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fedmcp/fedmcp/pkg/fedmcperr"
)

func TestKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{fedmcperr.ErrSizeExceeded, "SizeExceeded"},
		{fedmcperr.ErrValidation, "ValidationError"},
		{fedmcperr.ErrInvalidFormat, "InvalidFormat"},
		{fedmcperr.ErrMissingKeyID, "MissingKeyId"},
		{fedmcperr.ErrUnknownKey, "UnknownKey"},
		{fedmcperr.ErrInvalidSignature, "InvalidSignature"},
		{fedmcperr.ErrMissingArtifact, "MissingArtifact"},
		{fedmcperr.ErrSubjectMismatch, "SubjectMismatch"},
		{fedmcperr.ErrIssuerMismatch, "IssuerMismatch"},
		{fedmcperr.ErrSigningFailure, "SigningFailure"},
		{fedmcperr.ErrKeyFetch, "KeyFetchFailure"},
		{fmt.Errorf("wrapped: %w", fedmcperr.ErrUnknownKey), "UnknownKey"},
		{context.DeadlineExceeded, "Canceled"},
		{errors.New("other"), "Internal"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, fedmcperr.Kind(tt.err), "%v", tt.err)
	}
}

func TestSizeExceededIsValidation(t *testing.T) {
	err := fmt.Errorf("%w: 2000000 bytes", fedmcperr.ErrSizeExceeded)
	assert.ErrorIs(t, err, fedmcperr.ErrSizeExceeded)
	assert.ErrorIs(t, err, fedmcperr.ErrValidation)
	assert.NotErrorIs(t, fedmcperr.ErrValidation, fedmcperr.ErrSizeExceeded)
}

func TestSigningFailureKeepsCause(t *testing.T) {
	// Signing failures dominate the wrapped cancellation for classification.
	err := fmt.Errorf("%w: %w", fedmcperr.ErrSigningFailure, context.Canceled)
	assert.Equal(t, "SigningFailure", fedmcperr.Kind(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsCryptographic(t *testing.T) {
	assert.True(t, fedmcperr.IsCryptographic(fedmcperr.ErrInvalidSignature))
	assert.True(t, fedmcperr.IsCryptographic(fmt.Errorf("x: %w", fedmcperr.ErrUnknownKey)))
	assert.False(t, fedmcperr.IsCryptographic(fedmcperr.ErrSigningFailure))
	assert.False(t, fedmcperr.IsCryptographic(nil))
}

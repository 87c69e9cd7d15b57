package kms

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"testing"

	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeKMS emulates the KMS Sign and GetPublicKey calls over a local key.
type fakeKMS struct {
	key      *ecdsa.PrivateKey
	spec     types.KeySpec
	signErr  error
	pubErr   error
	lastSign *awskms.SignInput
}

func newFakeKMS(t *testing.T) *fakeKMS {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	return &fakeKMS{key: key, spec: types.KeySpecEccNistP256}
}

func (f *fakeKMS) Sign(_ context.Context, in *awskms.SignInput, _ ...func(*awskms.Options)) (*awskms.SignOutput, error) {
	f.lastSign = in
	if f.signErr != nil {
		return nil, f.signErr
	}
	sig, err := ecdsa.SignASN1(rand.Reader, f.key, in.Message)
	if err != nil {
		return nil, err
	}
	return &awskms.SignOutput{Signature: sig, KeyId: in.KeyId, SigningAlgorithm: in.SigningAlgorithm}, nil
}

func (f *fakeKMS) GetPublicKey(_ context.Context, in *awskms.GetPublicKeyInput, _ ...func(*awskms.Options)) (*awskms.GetPublicKeyOutput, error) {
	if f.pubErr != nil {
		return nil, f.pubErr
	}
	der, err := x509.MarshalPKIXPublicKey(&f.key.PublicKey)
	if err != nil {
		return nil, err
	}
	return &awskms.GetPublicKeyOutput{
		KeyId:     in.KeyId,
		PublicKey: der,
		KeySpec:   f.spec,
		KeyUsage:  types.KeyUsageTypeSignVerify,
	}, nil
}

func TestAWSBackend_SignsDigest(t *testing.T) {
	fake := newFakeKMS(t)
	b := NewAWSBackendFromClient(fake)
	msg := []byte("header.payload")

	sig, err := b.Sign(context.Background(), "alias/fedmcp", msg)
	require.NoError(t, err)

	require.NotNil(t, fake.lastSign)
	assert.Equal(t, types.MessageTypeDigest, fake.lastSign.MessageType)
	assert.Equal(t, types.SigningAlgorithmSpecEcdsaSha256, fake.lastSign.SigningAlgorithm)
	digest := sha256.Sum256(msg)
	assert.Equal(t, digest[:], fake.lastSign.Message)

	assert.True(t, ecdsa.VerifyASN1(&fake.key.PublicKey, digest[:], sig))
}

func TestAWSBackend_PublicKey(t *testing.T) {
	fake := newFakeKMS(t)
	b := NewAWSBackendFromClient(fake)

	der, err := b.PublicKey(context.Background(), "alias/fedmcp")
	require.NoError(t, err)
	parsed, err := x509.ParsePKIXPublicKey(der)
	require.NoError(t, err)
	assert.True(t, fake.key.PublicKey.Equal(parsed))
}

func TestAWSBackend_RejectsWrongKeySpec(t *testing.T) {
	fake := newFakeKMS(t)
	fake.spec = types.KeySpecRsa2048
	b := NewAWSBackendFromClient(fake)

	_, err := b.PublicKey(context.Background(), "alias/fedmcp")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RSA_2048")
}

func TestAWSBackend_EmptyKeyRef(t *testing.T) {
	b := NewAWSBackendFromClient(newFakeKMS(t))
	_, err := b.Sign(context.Background(), "", []byte("x"))
	assert.ErrorIs(t, err, ErrEmptyKeyRef)
	_, err = b.PublicKey(context.Background(), "")
	assert.ErrorIs(t, err, ErrEmptyKeyRef)
}

func TestAWSBackend_ClassifiesErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		sentinel  error
		transient bool
	}{
		{"disabled", &types.DisabledException{Message: ptr("disabled")}, ErrKeyDisabled, false},
		{"not found", &types.NotFoundException{Message: ptr("gone")}, ErrKeyNotFound, false},
		{"throttled", &smithy.GenericAPIError{Code: "ThrottlingException", Fault: smithy.FaultClient}, nil, true},
		{"internal", &types.KMSInternalException{Message: ptr("boom")}, nil, true},
		{"server fault", &smithy.GenericAPIError{Code: "Whatever", Fault: smithy.FaultServer}, nil, true},
		{"access denied", &smithy.GenericAPIError{Code: "AccessDeniedException", Fault: smithy.FaultClient}, nil, false},
		{"connection", errors.New("dial tcp: connection refused"), nil, true},
		{"canceled", context.Canceled, context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := newFakeKMS(t)
			fake.signErr = tt.err
			_, err := NewAWSBackendFromClient(fake).Sign(context.Background(), "k", []byte("x"))
			require.Error(t, err)
			if tt.sentinel != nil {
				assert.ErrorIs(t, err, tt.sentinel)
			}
			assert.Equal(t, tt.transient, IsTransient(err))
		})
	}
}

func ptr(s string) *string { return &s }

package kms

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awskms "github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/smithy-go"
)

// API is the subset of the AWS KMS client used by AWSBackend.
type API interface {
	Sign(ctx context.Context, params *awskms.SignInput, optFns ...func(*awskms.Options)) (*awskms.SignOutput, error)
	GetPublicKey(ctx context.Context, params *awskms.GetPublicKeyInput, optFns ...func(*awskms.Options)) (*awskms.GetPublicKeyOutput, error)
}

// AWSConfig holds configuration for AWSBackend.
type AWSConfig struct {
	Region   string
	Endpoint string // Optional custom endpoint (LocalStack etc.)
}

// AWSBackend signs with asymmetric ECC_NIST_P256 keys held in AWS KMS.
// Key references are key ids, key ARNs, alias names or alias ARNs.
type AWSBackend struct {
	client API
}

// NewAWSBackend creates a backend from the default AWS credential chain.
func NewAWSBackend(ctx context.Context, cfg AWSConfig) (*AWSBackend, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("kms: load AWS config: %w", err)
	}

	client := awskms.NewFromConfig(awsCfg, func(o *awskms.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	})
	return &AWSBackend{client: client}, nil
}

// NewAWSBackendFromClient wraps an existing client.
func NewAWSBackendFromClient(client API) *AWSBackend {
	return &AWSBackend{client: client}
}

// Sign implements Backend. The message is hashed locally and sent as a
// DIGEST, since KMS refuses RAW messages over 4 KiB and artifact payloads
// can be up to 1 MiB.
func (b *AWSBackend) Sign(ctx context.Context, keyRef string, message []byte) ([]byte, error) {
	if keyRef == "" {
		return nil, ErrEmptyKeyRef
	}
	digest := sha256.Sum256(message)

	out, err := b.client.Sign(ctx, &awskms.SignInput{
		KeyId:            aws.String(keyRef),
		Message:          digest[:],
		MessageType:      types.MessageTypeDigest,
		SigningAlgorithm: types.SigningAlgorithmSpecEcdsaSha256,
	})
	if err != nil {
		return nil, fmt.Errorf("kms: sign with %s: %w", keyRef, classify(err))
	}
	if len(out.Signature) == 0 {
		return nil, fmt.Errorf("kms: sign with %s: empty signature", keyRef)
	}
	return out.Signature, nil
}

// PublicKey implements Backend.
func (b *AWSBackend) PublicKey(ctx context.Context, keyRef string) ([]byte, error) {
	if keyRef == "" {
		return nil, ErrEmptyKeyRef
	}
	out, err := b.client.GetPublicKey(ctx, &awskms.GetPublicKeyInput{
		KeyId: aws.String(keyRef),
	})
	if err != nil {
		return nil, fmt.Errorf("kms: get public key %s: %w", keyRef, classify(err))
	}
	if out.KeySpec != types.KeySpecEccNistP256 {
		return nil, fmt.Errorf("kms: key %s has spec %s, want %s", keyRef, out.KeySpec, types.KeySpecEccNistP256)
	}
	if out.KeyUsage != types.KeyUsageTypeSignVerify {
		return nil, fmt.Errorf("kms: key %s has usage %s, want %s", keyRef, out.KeyUsage, types.KeyUsageTypeSignVerify)
	}
	return out.PublicKey, nil
}

// classify maps AWS errors onto the package sentinels.
func classify(err error) error {
	var (
		disabled *types.DisabledException
		notFound *types.NotFoundException
	)
	switch {
	case errors.As(err, &disabled):
		return fmt.Errorf("%w: %v", ErrKeyDisabled, err)
	case errors.As(err, &notFound):
		return fmt.Errorf("%w: %v", ErrKeyNotFound, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "KMSInternalException", "DependencyTimeoutException", "ThrottlingException", "KeyUnavailableException":
			return Transient(err)
		}
		if apiErr.ErrorFault() == smithy.FaultServer {
			return Transient(err)
		}
		return err
	}
	// No API response at all: connection-level failure.
	return Transient(err)
}

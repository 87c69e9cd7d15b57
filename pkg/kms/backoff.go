package kms

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffPolicy configures retries of transient backend failures.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultBackoffPolicy retries three times starting at 100ms.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		BaseMs:      100,
		MaxMs:       5000,
		MaxJitterMs: 50,
		MaxAttempts: 3,
	}
}

// ComputeBackoff returns the delay before retry number attempt (1-based):
// base * 2^(attempt-1) capped at MaxMs, plus deterministic jitter.
func ComputeBackoff(op, keyRef string, attempt int, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if attempt > 1 {
		if attempt > 31 {
			// Avoid overflow, cap exponent
			factor = 1 << 30
		} else {
			factor = 1 << (attempt - 1)
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}
	return time.Duration(delay+computeJitter(op, keyRef, attempt, policy)) * time.Millisecond
}

// computeJitter derives jitter from the inputs so a retry schedule is
// reproducible in tests and logs.
func computeJitter(op, keyRef string, attempt int, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", op, keyRef, attempt)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs)) //nolint:gosec // MaxJitterMs is positive
}

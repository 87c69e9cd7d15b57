package kms

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// GuardConfig configures Guarded.
type GuardConfig struct {
	// RatePerSecond limits backend calls; zero disables limiting.
	RatePerSecond float64
	Burst         int
	Backoff       BackoffPolicy
}

// Guarded wraps a Backend with a client-side rate limit and retries of
// failures marked transient. Anything else, including key-disabled and
// not-found errors, is returned on the first attempt.
type Guarded struct {
	next    Backend
	limiter *rate.Limiter
	policy  BackoffPolicy
	sleep   func(ctx context.Context, d time.Duration) error
	logger  *slog.Logger
}

// NewGuarded wraps next.
func NewGuarded(next Backend, cfg GuardConfig) *Guarded {
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	policy := cfg.Backoff
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &Guarded{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
		policy:  policy,
		sleep:   sleepContext,
		logger:  slog.Default().With("component", "kms"),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sign implements Backend.
func (g *Guarded) Sign(ctx context.Context, keyRef string, message []byte) ([]byte, error) {
	var sig []byte
	err := g.do(ctx, "sign", keyRef, func() error {
		var err error
		sig, err = g.next.Sign(ctx, keyRef, message)
		return err
	})
	return sig, err
}

// PublicKey implements Backend.
func (g *Guarded) PublicKey(ctx context.Context, keyRef string) ([]byte, error) {
	var der []byte
	err := g.do(ctx, "public_key", keyRef, func() error {
		var err error
		der, err = g.next.PublicKey(ctx, keyRef)
		return err
	})
	return der, err
}

func (g *Guarded) do(ctx context.Context, op, keyRef string, call func() error) error {
	var err error
	for attempt := 1; attempt <= g.policy.MaxAttempts; attempt++ {
		if werr := g.limiter.Wait(ctx); werr != nil {
			return fmt.Errorf("kms: rate limit wait: %w", werr)
		}
		err = call()
		if err == nil || !IsTransient(err) || attempt == g.policy.MaxAttempts {
			return err
		}

		delay := ComputeBackoff(op, keyRef, attempt, g.policy)
		g.logger.WarnContext(ctx, "transient backend failure, retrying",
			"op", op,
			"key_ref", keyRef,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)
		if serr := g.sleep(ctx, delay); serr != nil {
			return fmt.Errorf("kms: %s aborted after %d attempts: %w", op, attempt, err)
		}
	}
	return err
}

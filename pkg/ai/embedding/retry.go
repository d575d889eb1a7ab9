package embedding

import (
	"context"
	"time"

	"github.com/Abraxas-365/recall/pkg/errx"
	"github.com/Abraxas-365/recall/pkg/logx"
)

// Policy describes how provider failures are retried. Delays double per
// attempt starting at BaseDelay, capped at MaxDelay.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultPolicy returns the policy used when none is configured.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    8 * time.Second,
	}
}

// Delay returns the backoff before the given retry (attempt is 1-based,
// the first retry waits BaseDelay).
func (p Policy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Retryable reports whether the error is transient provider trouble.
// Validation and authorization failures are the caller's problem and are
// never retried.
func Retryable(err error) bool {
	switch {
	case errx.IsType(err, errx.TypeUnavailable),
		errx.IsType(err, errx.TypeTimeout),
		errx.IsType(err, errx.TypeRateLimit),
		errx.IsType(err, errx.TypeExternal):
		return true
	default:
		return false
	}
}

// SleepFunc blocks for the given duration or until the context is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// RetryOption configures a RetryingEmbedder.
type RetryOption func(*RetryingEmbedder)

// WithSleep replaces the sleep function, used by tests to fake the clock.
func WithSleep(sleep SleepFunc) RetryOption {
	return func(r *RetryingEmbedder) {
		r.sleep = sleep
	}
}

// WithMaxChars bounds the accepted input size. Zero disables the check.
func WithMaxChars(maxChars int) RetryOption {
	return func(r *RetryingEmbedder) {
		r.maxChars = maxChars
	}
}

// WithDefaultOptions pins provider options applied to every request, ahead
// of any per-call options.
func WithDefaultOptions(opts ...Option) RetryOption {
	return func(r *RetryingEmbedder) {
		r.defaults = opts
	}
}

// RetryingEmbedder composes an Embedder with input validation and the retry
// policy. Input problems fail fast; transient provider errors are retried
// with exponential backoff up to MaxAttempts. A response carrying fewer or
// more embeddings than documents counts as a provider error.
type RetryingEmbedder struct {
	inner    Embedder
	policy   Policy
	maxChars int
	defaults []Option
	sleep    SleepFunc
}

func NewRetryingEmbedder(inner Embedder, policy Policy, opts ...RetryOption) *RetryingEmbedder {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	r := &RetryingEmbedder{
		inner:  inner,
		policy: policy,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *RetryingEmbedder) validate(text string) error {
	if len(text) == 0 {
		return ErrEmptyInput()
	}
	if r.maxChars > 0 && len(text) > r.maxChars {
		return ErrInputTooLarge().WithDetail("length", len(text)).WithDetail("max", r.maxChars)
	}
	return nil
}

func (r *RetryingEmbedder) EmbedDocuments(ctx context.Context, documents []string, opts ...Option) ([]Embedding, error) {
	if len(documents) == 0 {
		return nil, ErrEmptyInput()
	}
	for _, doc := range documents {
		if err := r.validate(doc); err != nil {
			return nil, err
		}
	}

	merged := make([]Option, 0, len(r.defaults)+len(opts))
	merged = append(merged, r.defaults...)
	merged = append(merged, opts...)

	var lastErr error
	for attempt := 1; attempt <= r.policy.MaxAttempts; attempt++ {
		embeddings, err := r.inner.EmbedDocuments(ctx, documents, merged...)
		if err == nil && len(embeddings) != len(documents) {
			err = errx.New("provider returned mismatched embedding count", errx.TypeExternal).
				WithDetail("requested", len(documents)).
				WithDetail("returned", len(embeddings))
		}
		if err == nil {
			return embeddings, nil
		}
		lastErr = err
		if !Retryable(err) {
			return nil, err
		}
		if attempt == r.policy.MaxAttempts {
			break
		}
		delay := r.policy.Delay(attempt)
		logx.WithFields(logx.Fields{
			"attempt": attempt,
			"delay":   delay.String(),
		}).Warnf("embedding attempt failed, retrying: %v", err)
		if err := r.sleep(ctx, delay); err != nil {
			return nil, errx.Wrap(err, "embedding retry interrupted", errx.TypeTimeout)
		}
	}
	return nil, lastErr
}

func (r *RetryingEmbedder) EmbedQuery(ctx context.Context, text string, opts ...Option) (Embedding, error) {
	embeddings, err := r.EmbedDocuments(ctx, []string{text}, opts...)
	if err != nil {
		return Embedding{}, err
	}
	return embeddings[0], nil
}

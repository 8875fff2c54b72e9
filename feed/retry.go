package feed

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ruteri/octagon-trust/interfaces"
	"github.com/ruteri/octagon-trust/policy"
)

// RetryConfig bounds how read paths retry transient failures.
type RetryConfig struct {
	MaxAttempts     uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryConfig is used by NewRetrying when cfg is nil.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     5,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     2 * time.Second,
}

// Retrying wraps a Feed so that reads are retried on transient failures.
// Mutations pass through unchanged: the caller decides whether re-sending a
// write after a conflict is still meaningful.
type Retrying struct {
	Feed
	cfg RetryConfig
	log *slog.Logger
}

func NewRetrying(inner Feed, cfg *RetryConfig, log *slog.Logger) *Retrying {
	c := DefaultRetryConfig
	if cfg != nil {
		c = *cfg
	}
	return &Retrying{Feed: inner, cfg: c, log: log}
}

func (r *Retrying) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.InitialInterval
	b.MaxInterval = r.cfg.MaxInterval
	b.MaxElapsedTime = 0

	retries := uint64(0)
	if r.cfg.MaxAttempts > 1 {
		retries = r.cfg.MaxAttempts - 1
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, retries), ctx)
}

func retryData[T any](ctx context.Context, r *Retrying, method string, op func() (T, error)) (T, error) {
	return backoff.RetryNotifyWithData(func() (T, error) {
		v, err := op()
		if err != nil && !interfaces.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, r.policy(ctx), func(err error, wait time.Duration) {
		r.log.Warn("retrying feed call", slog.String("method", method), slog.Duration("wait", wait), slog.Any("err", err))
	})
}

func (r *Retrying) FetchChanges(ctx context.Context, key interfaces.ContainerKey, cursor uint64, receiver interfaces.PeerID) (*Batch, error) {
	return retryData(ctx, r, "FetchChanges", func() (*Batch, error) {
		return r.Feed.FetchChanges(ctx, key, cursor, receiver)
	})
}

func (r *Retrying) FetchPolicyDocuments(ctx context.Context, versions []interfaces.PolicyVersion) ([]*policy.Document, error) {
	return retryData(ctx, r, "FetchPolicyDocuments", func() ([]*policy.Document, error) {
		return r.Feed.FetchPolicyDocuments(ctx, versions)
	})
}

func (r *Retrying) PrevailingPolicy(ctx context.Context) (interfaces.PolicyVersion, error) {
	return retryData(ctx, r, "PrevailingPolicy", func() (interfaces.PolicyVersion, error) {
		return r.Feed.PrevailingPolicy(ctx)
	})
}

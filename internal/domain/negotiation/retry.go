package negotiation

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// RetryPolicy is the fixed backoff applied at the transport boundary.
type RetryPolicy struct {
	Interval time.Duration
	MaxTries uint
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.Interval <= 0 {
		p.Interval = 200 * time.Millisecond
	}
	if p.MaxTries == 0 {
		p.MaxTries = 5
	}
	return p
}

// WithRetry wraps h so infrastructure failures are retried with a constant backoff.
// Rejections are never retried. The final error is logged and returned so the
// transport can decide between redelivery and dropping.
func WithRetry(h Handler, policy RetryPolicy, logger zerolog.Logger) Handler {
	policy = policy.normalized()
	return func(ctx context.Context, env Envelope) error {
		_, err := backoff.Retry(ctx, func() (struct{}, error) {
			err := h(ctx, env)
			if err == nil {
				return struct{}{}, nil
			}
			if _, ok := AsRejection(err); ok {
				return struct{}{}, backoff.Permanent(err)
			}
			logger.Warn().Err(err).
				Str("envelope_id", env.ID.String()).
				Str("type", env.Type).
				Msg("handler failed, retrying")
			return struct{}{}, err
		},
			backoff.WithBackOff(backoff.NewConstantBackOff(policy.Interval)),
			backoff.WithMaxTries(policy.MaxTries),
		)
		if err != nil {
			logger.Error().Err(err).
				Str("envelope_id", env.ID.String()).
				Str("session", string(env.Session)).
				Str("sender", string(env.Sender)).
				Str("type", env.Type).
				Str("kind", string(KindOf(err))).
				Msg("handler gave up")
		}
		return err
	}
}

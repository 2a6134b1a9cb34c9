package config

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
)

// Startup connection retry policy: five attempts, three seconds apart.
const (
	ConnectAttempts = 5
	ConnectInterval = 3 * time.Second
)

// Connect calls dial until it succeeds, the attempts are exhausted or ctx
// ends. It is used for the store, Redis and MinIO at startup, when the
// backing services may still be coming up.
func Connect[T any](ctx context.Context, what string, logger zerolog.Logger, dial func(context.Context) (T, error)) (T, error) {
	return ConnectWith(ctx, what, logger, ConnectAttempts, ConnectInterval, dial)
}

// ConnectWith is Connect with an explicit policy.
func ConnectWith[T any](ctx context.Context, what string, logger zerolog.Logger, attempts uint, interval time.Duration, dial func(context.Context) (T, error)) (T, error) {
	attempt := 0
	return backoff.Retry(ctx,
		func() (T, error) {
			attempt++
			return dial(ctx)
		},
		backoff.WithBackOff(backoff.NewConstantBackOff(interval)),
		backoff.WithMaxTries(attempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).
				Str("target", what).
				Int("attempt", attempt).
				Dur("retry_in", next).
				Msg("Connection failed, retrying")
		}),
	)
}

package syncer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/arturoeanton/repolens/internal/port"
)

// retryOp runs fn with exponential backoff for errors the taxonomy classifies
// as retryable (network, timeout). Everything else stops immediately.
func retryOp(ctx context.Context, maxAttempts int, fn func() error) error {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	op := func() (struct{}, error) {
		err := fn()
		if err != nil && !port.Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 500 * time.Millisecond
	eb.MaxInterval = 30 * time.Second

	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(eb),
		backoff.WithMaxTries(uint(maxAttempts)),
	)
	return err
}

package docstore

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultMaxAttempts bounds transaction retries when a backend is not told
// otherwise.
const DefaultMaxAttempts = 10

// RetryConflicts runs op until it succeeds, fails with an error retryable
// rejects, or maxAttempts runs have failed with retryable errors. In the last
// case the returned error wraps both ErrConflict and the final cause.
func RetryConflicts(ctx context.Context, maxAttempts int, retryable func(error) bool, op func() error) error {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 5 * time.Millisecond
	eb.MaxInterval = 250 * time.Millisecond
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(maxAttempts-1)), ctx)

	attempts := 0
	err := backoff.Retry(func() error {
		attempts++
		err := op()
		if err == nil {
			return nil
		}
		if !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
	if err != nil && retryable(err) {
		return fmt.Errorf("%w after %d attempts: %w", ErrConflict, attempts, err)
	}
	return err
}

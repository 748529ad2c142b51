package docstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/clinic/clinic/pkg/apperr"
)

// DefaultMaxAttempts bounds optimistic-concurrency retries.
const DefaultMaxAttempts = 5

// RetryOnConflict runs fn until it returns something other than
// apperr.ErrConflict, at most maxAttempts times. fn must re-read the record
// and re-check its preconditions on every attempt.
func RetryOnConflict(ctx context.Context, maxAttempts int, fn func(attempt int) error) error {
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctxErr := apperr.FromContext(ctx); ctxErr != nil {
			return ctxErr
		}
		err = fn(attempt)
		if !errors.Is(err, apperr.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("gave up after %d attempts: %w", maxAttempts, err)
}

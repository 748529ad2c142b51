package docstore

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/clinic/clinic/pkg/apperr"
)

func TestRetryOnConflict(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 5, func(attempt int) error {
		calls++
		if attempt < 3 {
			return fmt.Errorf("%w: stale", apperr.ErrConflict)
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("expected success on third attempt, err=%v calls=%d", err, calls)
	}
}

func TestRetryOnConflict_Exhausted(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 2, func(int) error {
		calls++
		return apperr.ErrConflict
	})
	if !errors.Is(err, apperr.ErrConflict) || calls != 2 {
		t.Fatalf("expected ErrConflict after 2 attempts, err=%v calls=%d", err, calls)
	}
}

func TestRetryOnConflict_StopsOnOtherErrors(t *testing.T) {
	calls := 0
	err := RetryOnConflict(context.Background(), 5, func(int) error {
		calls++
		return apperr.InvalidTransition("payment is cancelled")
	})
	if !errors.Is(err, apperr.ErrInvalidTransition) || calls != 1 {
		t.Fatalf("expected a single attempt, err=%v calls=%d", err, calls)
	}
}

func TestRetryOnConflict_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := RetryOnConflict(ctx, 5, func(int) error {
		t.Fatal("fn must not run")
		return nil
	})
	if !errors.Is(err, apperr.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

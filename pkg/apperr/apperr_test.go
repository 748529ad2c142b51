package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{Validation("amount must be positive"), http.StatusBadRequest},
		{InvalidTransition("payment is cancelled"), http.StatusConflict},
		{Unauthorized("not your visit"), http.StatusForbidden},
		{fmt.Errorf("wrap: %w", ErrUnauthenticated), http.StatusUnauthorized},
		{NotFound("payment", "p1"), http.StatusNotFound},
		{fmt.Errorf("%w: v2", ErrConflict), http.StatusConflict},
		{Invariant("remaining drifted"), http.StatusInternalServerError},
		{Unavailable("get payment", errors.New("dial tcp: refused")), http.StatusServiceUnavailable},
		{fmt.Errorf("%w", ErrTimeout), http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestPublicMessage_HidesDriverText(t *testing.T) {
	err := Unavailable("get payment", errors.New("dial tcp 10.0.0.5:5432: connection refused"))
	msg := PublicMessage(err)
	if strings.Contains(msg, "10.0.0.5") {
		t.Errorf("public message leaks driver text: %q", msg)
	}

	domain := Validation("days must be positive")
	if PublicMessage(domain) != domain.Error() {
		t.Errorf("domain message should pass through, got %q", PublicMessage(domain))
	}
}

func TestIsDomain(t *testing.T) {
	if !IsDomain(NotFound("visit", "v1")) {
		t.Error("NotFound should be a domain error")
	}
	if IsDomain(Unavailable("query", errors.New("x"))) {
		t.Error("Unavailable should not be a domain error")
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) != nil {
		t.Error("expected nil for a live context")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()
	if err := FromContext(ctx); !errors.Is(err, ErrTimeout) {
		t.Errorf("expected ErrTimeout, got %v", err)
	}
}

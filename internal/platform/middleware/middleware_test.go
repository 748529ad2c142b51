package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/clinic/clinic/internal/platform/audit"
	"github.com/clinic/clinic/internal/platform/auth"
)

func okHandler(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

func TestRequestID_GeneratesNew(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var fromCtx string
	h := RequestID()(func(c echo.Context) error {
		fromCtx = audit.RequestIDFromContext(c.Request().Context())
		return okHandler(c)
	})
	if err := h(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rid := rec.Header().Get(RequestIDHeader)
	if rid == "" {
		t.Fatal("expected X-Request-ID response header")
	}
	if fromCtx != rid || c.Get("request_id") != rid {
		t.Errorf("request id not propagated: header %q, context %q", rid, fromCtx)
	}
}

func TestRequestID_PreservesExisting(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "my-custom-id")
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	if err := RequestID()(okHandler)(c); err != nil {
		t.Fatal(err)
	}
	if rec.Header().Get(RequestIDHeader) != "my-custom-id" {
		t.Errorf("expected my-custom-id in response header, got %s", rec.Header().Get(RequestIDHeader))
	}
}

func TestLogger_LogsRequest(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/visits", nil)
	req = req.WithContext(auth.WithActor(req.Context(), auth.Actor{ID: "spec-a", Role: auth.RoleSpecialist}))
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.Set("request_id", "req-123")

	if err := Logger(logger)(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["request_id"] != "req-123" || line["actor_id"] != "spec-a" || line["status"] != float64(200) {
		t.Errorf("unexpected log line %v", line)
	}
}

func TestLogger_UsesErrorStatus(t *testing.T) {
	var buf bytes.Buffer
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	h := Logger(zerolog.New(&buf))(func(echo.Context) error {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable")
	})
	_ = h(c)

	if !strings.Contains(buf.String(), `"level":"error"`) || !strings.Contains(buf.String(), `"status":503`) {
		t.Errorf("expected error-level 503 log, got %s", buf.String())
	}
}

func TestRecovery_CatchesPanic(t *testing.T) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/panic", nil)
	ctx := audit.WithRequestID(req.Context(), "req-9")
	ctx = auth.WithActor(ctx, auth.Actor{ID: "op", Role: auth.RoleOperator})
	c := e.NewContext(req.WithContext(ctx), httptest.NewRecorder())

	var buf bytes.Buffer
	err := Recovery(zerolog.New(&buf))(func(echo.Context) error {
		panic("test panic")
	})(c)

	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 HTTPError, got %v", err)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if line["request_id"] != "req-9" || line["actor_id"] != "op" || line["panic"] != "test panic" {
		t.Errorf("unexpected log fields: %v", line)
	}
}

func TestRecovery_ReraisesAbort(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())
	defer func() {
		if r := recover(); r != http.ErrAbortHandler {
			t.Errorf("expected ErrAbortHandler to propagate, got %v", r)
		}
	}()
	_ = Recovery(zerolog.Nop())(func(echo.Context) error {
		panic(http.ErrAbortHandler)
	})(c)
}

func TestRecovery_PassesThrough(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/ok", nil), httptest.NewRecorder())
	if err := Recovery(zerolog.Nop())(okHandler)(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRequestTimeout(t *testing.T) {
	slow := func(c echo.Context) error {
		select {
		case <-time.After(2 * time.Second):
			return okHandler(c)
		case <-c.Request().Context().Done():
			return c.Request().Context().Err()
		}
	}

	t.Run("completes within deadline", func(t *testing.T) {
		e := echo.New()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/visits", nil), httptest.NewRecorder())
		if err := RequestTimeout(time.Second)(okHandler)(c); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	})

	t.Run("expires", func(t *testing.T) {
		e := echo.New()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/visits", nil), httptest.NewRecorder())
		err := RequestTimeout(20 * time.Millisecond)(slow)(c)
		var he *echo.HTTPError
		if !errors.As(err, &he) || he.Code != http.StatusGatewayTimeout {
			t.Fatalf("expected 504, got %v", err)
		}
	})

	t.Run("skipped prefix", func(t *testing.T) {
		e := echo.New()
		c := e.NewContext(httptest.NewRequest(http.MethodGet, "/health/ready", nil), httptest.NewRecorder())
		h := RequestTimeout(time.Millisecond, "/health")(func(c echo.Context) error {
			if _, ok := c.Request().Context().Deadline(); ok {
				t.Error("skipped path should carry no deadline")
			}
			return nil
		})
		if err := h(c); err != nil {
			t.Fatal(err)
		}
	})
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"1M", 1 << 20},
		{"10MB", 10 << 20},
		{"512K", 512 << 10},
		{"1G", 1 << 30},
		{"1024", 1024},
		{"", 1 << 20},
		{"invalid", 1 << 20},
		{"-5", 1 << 20},
	}
	for _, tt := range tests {
		if got := parseLimit(tt.input); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestBodyLimit(t *testing.T) {
	e := echo.New()
	readAll := func(c echo.Context) error {
		if _, err := io.ReadAll(c.Request().Body); err != nil {
			return err
		}
		return okHandler(c)
	}

	small := httptest.NewRequest(http.MethodPost, "/api/v1/visits", strings.NewReader(`{"patient_record":1001}`))
	if err := BodyLimit("1K")(readAll)(e.NewContext(small, httptest.NewRecorder())); err != nil {
		t.Fatalf("small body rejected: %v", err)
	}

	large := httptest.NewRequest(http.MethodPost, "/api/v1/visits", strings.NewReader(strings.Repeat("x", 2048)))
	err := BodyLimit("1K")(readAll)(e.NewContext(large, httptest.NewRecorder()))
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from Content-Length, got %v", err)
	}

	// No Content-Length: the limit is enforced while reading.
	chunked := httptest.NewRequest(http.MethodPost, "/api/v1/visits", io.NopCloser(strings.NewReader(strings.Repeat("x", 2048))))
	chunked.ContentLength = -1
	err = BodyLimit("1K")(readAll)(e.NewContext(chunked, httptest.NewRecorder()))
	if !errors.As(err, &he) || he.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 while reading, got %v", err)
	}
}

func TestSecurityHeaders(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/api/v1/payments", nil), rec)
	if err := SecurityHeaders()(okHandler)(c); err != nil {
		t.Fatal(err)
	}
	for header, want := range map[string]string{
		"X-Content-Type-Options": "nosniff",
		"X-Frame-Options":        "DENY",
		"Cache-Control":          "no-store",
	} {
		if got := rec.Header().Get(header); got != want {
			t.Errorf("%s = %q, want %q", header, got, want)
		}
	}
}

func TestRateLimit(t *testing.T) {
	e := echo.New()
	h := RateLimit(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2})(okHandler)

	call := func(actor *auth.Actor) error {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if actor != nil {
			req = req.WithContext(auth.WithActor(req.Context(), *actor))
		}
		return h(e.NewContext(req, httptest.NewRecorder()))
	}

	for i := 0; i < 2; i++ {
		if err := call(nil); err != nil {
			t.Fatalf("request %d within burst rejected: %v", i+1, err)
		}
	}
	var he *echo.HTTPError
	if err := call(nil); !errors.As(err, &he) || he.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %v", err)
	}

	// An authenticated actor has its own bucket even from the same address.
	if err := call(&auth.Actor{ID: "op", Role: auth.RoleOperator}); err != nil {
		t.Errorf("actor bucket should be independent: %v", err)
	}
}

func TestLimiter_RefillAndRetryAfter(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 2, BurstSize: 1}, start)

	if ok, _ := l.take("a", start); !ok {
		t.Fatal("first request should pass")
	}
	ok, wait := l.take("a", start)
	if ok || wait != 500*time.Millisecond {
		t.Fatalf("expected rejection with 500ms wait, got ok=%v wait=%s", ok, wait)
	}
	if ok, _ := l.take("a", start.Add(500*time.Millisecond)); !ok {
		t.Error("a token should have refilled")
	}
}

func TestLimiter_EvictsIdleBuckets(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2, IdleTTL: time.Minute}, start)

	for _, key := range []string{"actor:a", "actor:b", "ip:10.0.0.1"} {
		l.take(key, start)
	}
	if l.size() != 3 {
		t.Fatalf("expected 3 buckets, got %d", l.size())
	}
	l.take("actor:a", start.Add(30*time.Second))
	l.take("actor:c", start.Add(75*time.Second))
	if got := l.size(); got != 2 {
		t.Errorf("expected idle buckets to be dropped, %d left", got)
	}
}

func TestLimiter_IdleNeverShorterThanRefill(t *testing.T) {
	start := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	l := newLimiter(RateLimitConfig{RequestsPerSecond: 0.01, BurstSize: 1, IdleTTL: time.Second}, start)
	if l.idle != 100*time.Second {
		t.Errorf("expected idle raised to 100s, got %s", l.idle)
	}
}

type memorySink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *memorySink) Record(e audit.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

func TestAccessAudit(t *testing.T) {
	sink := &memorySink{}
	e := echo.New()
	e.Use(RequestID(), AccessAudit(sink))
	guarded := e.Group("/api/v1", func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().Header.Get("X-Actor") == "" {
				return next(c)
			}
			c.SetRequest(c.Request().WithContext(auth.WithActor(c.Request().Context(),
				auth.Actor{ID: c.Request().Header.Get("X-Actor"), Role: auth.RolePatient})))
			return next(c)
		}
	}, auth.RequireRole(auth.RoleOperator))
	guarded.GET("/statistics/revenue", okHandler)
	e.GET("/health", okHandler)

	serve := func(target, actor string) int {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if actor != "" {
			req.Header.Set("X-Actor", actor)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := serve("/api/v1/statistics/revenue", "u1001"); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serve("/api/v1/statistics/revenue", ""); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
	serve("/health", "")

	if len(sink.entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(sink.entries))
	}
	first := sink.entries[0]
	if first.ActorID != "u1001" || first.Action != "access.denied" || first.Details["status"] != "403" || first.RequestID == "" {
		t.Errorf("unexpected entry %+v", first)
	}
	if sink.entries[1].ActorID != "anonymous" {
		t.Errorf("expected anonymous actor, got %q", sink.entries[1].ActorID)
	}
}

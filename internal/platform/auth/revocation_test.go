package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
)

func TestMemoryRevocations(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRevocations()
	defer s.Close()
	now := time.Now()

	if err := s.RevokeToken(ctx, "jti-1", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if revoked, _ := s.IsRevoked(ctx, "jti-1", "u1", now); !revoked {
		t.Error("revoked jti should be rejected")
	}
	if revoked, _ := s.IsRevoked(ctx, "jti-2", "u1", now); revoked {
		t.Error("other tokens of the actor stay valid")
	}

	if err := s.RevokeActor(ctx, "u1", now); err != nil {
		t.Fatal(err)
	}
	if revoked, _ := s.IsRevoked(ctx, "jti-2", "u1", now.Add(-time.Minute)); !revoked {
		t.Error("tokens issued before the actor revocation should be rejected")
	}
	if revoked, _ := s.IsRevoked(ctx, "jti-3", "u1", now.Add(time.Minute)); revoked {
		t.Error("tokens issued after the actor revocation stay valid")
	}

	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	s.cleanup()
	if revoked, _ := s.IsRevoked(ctx, "jti-1", "u9", now); revoked {
		t.Error("expired entries should be swept")
	}
}

func TestJWTMiddleware_Revocation(t *testing.T) {
	store := NewMemoryRevocations()
	defer store.Close()
	cfg := JWTConfig{SigningKey: testSigningKey, Revocations: store}
	issued := time.Now().Add(-time.Minute)

	token, err := IssueToken(testSigningKey, TokenRequest{Subject: "op", Role: RoleOperator}, issued)
	if err != nil {
		t.Fatal(err)
	}
	if _, called, err := runMiddleware(t, JWTMiddleware(cfg), "Bearer "+token); err != nil || !called {
		t.Fatalf("fresh token rejected: %v", err)
	}

	_ = store.RevokeActor(context.Background(), "op", time.Now())
	_, called, err := runMiddleware(t, JWTMiddleware(cfg), "Bearer "+token)
	if called {
		t.Fatal("handler must not run for a revoked token")
	}
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestRevocationRoutes(t *testing.T) {
	store := NewMemoryRevocations()
	defer store.Close()
	e := echo.New()
	RegisterRevocationRoutes(e.Group("/api/v1"), store)

	post := func(path, body string, actor Actor) int {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req = req.WithContext(WithActor(req.Context(), actor))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec.Code
	}
	admin := Actor{ID: "adm", Role: RoleAdministrator}

	if code := post("/api/v1/auth/revoke", `{"jti":"abc"}`, Actor{ID: "op", Role: RoleOperator}); code != http.StatusForbidden {
		t.Errorf("operator revoke: expected 403, got %d", code)
	}
	if code := post("/api/v1/auth/revoke", `{}`, admin); code != http.StatusBadRequest {
		t.Errorf("missing jti: expected 400, got %d", code)
	}
	if code := post("/api/v1/auth/revoke", `{"jti":"abc"}`, admin); code != http.StatusNoContent {
		t.Errorf("revoke: expected 204, got %d", code)
	}
	if code := post("/api/v1/auth/revoke-actor", `{"actor_id":"spec-a"}`, admin); code != http.StatusNoContent {
		t.Errorf("revoke actor: expected 204, got %d", code)
	}
	if revoked, _ := store.IsRevoked(context.Background(), "abc", "x", time.Now()); !revoked {
		t.Error("jti abc should be revoked")
	}
}

func TestRedisRevocations(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	ctx := context.Background()
	s := NewRedisRevocations(client, "clinic-test-"+time.Now().Format("150405.000"), time.Minute)
	now := time.Now()

	if revoked, err := s.IsRevoked(ctx, "j1", "u1", now); err != nil || revoked {
		t.Fatalf("nothing revoked yet: %v %v", revoked, err)
	}
	if err := s.RevokeToken(ctx, "j1", now.Add(time.Minute)); err != nil {
		t.Fatal(err)
	}
	if revoked, _ := s.IsRevoked(ctx, "j1", "u1", now); !revoked {
		t.Error("j1 should be revoked")
	}
	if err := s.RevokeActor(ctx, "u2", now); err != nil {
		t.Fatal(err)
	}
	if revoked, _ := s.IsRevoked(ctx, "j2", "u2", now.Add(-time.Second)); !revoked {
		t.Error("older token of u2 should be revoked")
	}
}

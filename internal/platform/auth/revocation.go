package auth

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationStore invalidates tokens before they expire. A token is revoked
// when its id was revoked, or when its actor was revoked at or after the
// moment the token was issued.
type RevocationStore interface {
	RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error
	RevokeActor(ctx context.Context, actorID string, at time.Time) error
	IsRevoked(ctx context.Context, jti, actorID string, issuedAt time.Time) (bool, error)
}

// MemoryRevocations keeps revocations in process. Expired token entries are
// swept every five minutes until Close is called.
type MemoryRevocations struct {
	mu     sync.RWMutex
	tokens map[string]time.Time // jti -> token expiry
	actors map[string]time.Time // actor id -> revoked at
	now    func() time.Time
	done   chan struct{}
	once   sync.Once
}

func NewMemoryRevocations() *MemoryRevocations {
	s := &MemoryRevocations{
		tokens: make(map[string]time.Time),
		actors: make(map[string]time.Time),
		now:    time.Now,
		done:   make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

func (s *MemoryRevocations) RevokeToken(_ context.Context, jti string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[jti] = expiresAt
	return nil
}

func (s *MemoryRevocations) RevokeActor(_ context.Context, actorID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.actors[actorID]; !ok || at.After(prev) {
		s.actors[actorID] = at
	}
	return nil
}

func (s *MemoryRevocations) IsRevoked(_ context.Context, jti, actorID string, issuedAt time.Time) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tokens[jti]; ok && jti != "" {
		return true, nil
	}
	at, ok := s.actors[actorID]
	return ok && !issuedAt.After(at), nil
}

// Close stops the sweeper. Safe to call more than once.
func (s *MemoryRevocations) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *MemoryRevocations) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

func (s *MemoryRevocations) cleanup() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for jti, exp := range s.tokens {
		if now.After(exp) {
			delete(s.tokens, jti)
		}
	}
}

// RedisRevocations shares revocations between instances. Token entries live
// until the token would have expired; actor entries live for maxTokenTTL,
// after which every token issued before the revocation has expired anyway.
type RedisRevocations struct {
	client      redis.UniversalClient
	prefix      string
	maxTokenTTL time.Duration
}

func NewRedisRevocations(client redis.UniversalClient, prefix string, maxTokenTTL time.Duration) *RedisRevocations {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "clinic"
	}
	if maxTokenTTL <= 0 {
		maxTokenTTL = 24 * time.Hour
	}
	return &RedisRevocations{client: client, prefix: p + ":revoked", maxTokenTTL: maxTokenTTL}
}

func (s *RedisRevocations) tokenKey(jti string) string { return s.prefix + ":jti:" + jti }
func (s *RedisRevocations) actorKey(id string) string  { return s.prefix + ":actor:" + id }

func (s *RedisRevocations) RevokeToken(ctx context.Context, jti string, expiresAt time.Time) error {
	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return nil
	}
	return s.client.Set(ctx, s.tokenKey(jti), 1, ttl).Err()
}

func (s *RedisRevocations) RevokeActor(ctx context.Context, actorID string, at time.Time) error {
	return s.client.Set(ctx, s.actorKey(actorID), at.Unix(), s.maxTokenTTL).Err()
}

func (s *RedisRevocations) IsRevoked(ctx context.Context, jti, actorID string, issuedAt time.Time) (bool, error) {
	vals, err := s.client.MGet(ctx, s.tokenKey(jti), s.actorKey(actorID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, err
	}
	if len(vals) > 0 && vals[0] != nil && jti != "" {
		return true, nil
	}
	if len(vals) > 1 && vals[1] != nil {
		raw, _ := vals[1].(string)
		at, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return false, err
		}
		return issuedAt.Unix() <= at, nil
	}
	return false, nil
}

package lock

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/clinic/clinic/pkg/apperr"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease-based lock shared by all server instances. A lease that
// outlives its holder expires after ttl.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
}

func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	p := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if p == "" {
		p = "clinic"
	}
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	return &Redis{client: client, prefix: p + ":lock", ttl: ttl, retry: 25 * time.Millisecond}
}

func (r *Redis) key(name string) string {
	return fmt.Sprintf("%s:%s", r.prefix, name)
}

// Lock polls SET NX until the lease is taken or ctx ends. Redis errors are
// reported as apperr.ErrUnavailable.
func (r *Redis) Lock(ctx context.Context, name string) (func(), error) {
	key := r.key(name)
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			if ctxErr := apperr.FromContext(ctx); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, apperr.Unavailable("acquire lock", err)
		}
		if ok {
			break
		}
		t := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, apperr.FromContext(ctx)
		case <-t.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// A lease that fails to release expires after ttl.
			relCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = releaseScript.Run(relCtx, r.client, []string{key}, token).Err()
		})
	}, nil
}

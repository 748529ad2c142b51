package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/clinic/clinic/pkg/apperr"
)

func TestLocal_SerializesSameKey(t *testing.T) {
	l := NewLocal()
	var mu sync.Mutex
	inside, maxInside := 0, 0

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(context.Background(), "payment:p1")
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxInside {
				maxInside = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()

	if maxInside != 1 {
		t.Errorf("expected at most one holder, saw %d", maxInside)
	}
	if len(l.slots) != 0 {
		t.Errorf("expected slots to be cleaned up, %d left", len(l.slots))
	}
}

func TestLocal_DifferentKeysDoNotBlock(t *testing.T) {
	l := NewLocal()
	unlockA, _ := l.Lock(context.Background(), "a")
	defer unlockA()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	unlockB, err := l.Lock(ctx, "b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unlockB()
}

func TestLocal_ContextTimeout(t *testing.T) {
	l := NewLocal()
	unlock, _ := l.Lock(context.Background(), "a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "a"); !errors.Is(err, apperr.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	unlock()
	unlock()
	again, err := l.Lock(context.Background(), "a")
	if err != nil {
		t.Fatalf("lock should be free after release: %v", err)
	}
	again()
}

func TestRedis_KeyPrefix(t *testing.T) {
	r := NewRedis(nil, "clinic:", 0)
	if got := r.key("payment:p1"); got != "clinic:lock:payment:p1" {
		t.Errorf("unexpected key %q", got)
	}
	if r.ttl != 10*time.Second {
		t.Errorf("expected default ttl, got %v", r.ttl)
	}
}

func TestRedis_Integration(t *testing.T) {
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

	r := NewRedis(client, "clinic-test", time.Second)
	unlock, err := r.Lock(context.Background(), "p1")
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := r.Lock(ctx, "p1"); !errors.Is(err, apperr.ErrTimeout) {
		t.Errorf("expected second holder to time out, got %v", err)
	}

	unlock()
	unlock2, err := r.Lock(context.Background(), "p1")
	if err != nil {
		t.Fatalf("expected lock after release: %v", err)
	}
	unlock2()
}

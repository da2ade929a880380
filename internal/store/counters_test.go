package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisCounters(t *testing.T) (*RedisCounterStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisCounterStore(client, "test:"), mr
}

func TestCounterStoresIncrementAndTTL(t *testing.T) {
	redisStore, _ := newRedisCounters(t)
	stores := map[string]CounterStore{
		"memory": NewMemoryCounterStore(),
		"redis":  redisStore,
	}

	for name, s := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for want := int64(1); want <= 3; want++ {
				got, err := s.IncrementWithTTL(ctx, "c", time.Minute)
				if err != nil {
					t.Fatalf("increment: %v", err)
				}
				if got != want {
					t.Fatalf("increment = %d, want %d", got, want)
				}
			}

			n, err := s.IncrementByWithTTL(ctx, "c", 10, time.Hour)
			if err != nil {
				t.Fatalf("increment by: %v", err)
			}
			if n != 13 {
				t.Fatalf("increment by = %d, want 13", n)
			}

			ttl, err := s.TTL(ctx, "c")
			if err != nil {
				t.Fatalf("ttl: %v", err)
			}
			if ttl <= 0 || ttl > time.Minute {
				t.Fatalf("ttl %v should stay within the first window", ttl)
			}

			if err := s.Delete(ctx, "c"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if v, _ := s.Get(ctx, "c"); v != 0 {
				t.Fatalf("expected deleted counter to read 0, got %d", v)
			}
			if ttl, _ := s.TTL(ctx, "missing"); ttl != 0 {
				t.Fatalf("expected zero ttl for missing key, got %v", ttl)
			}
		})
	}
}

func TestRedisCounterExpires(t *testing.T) {
	s, mr := newRedisCounters(t)
	ctx := context.Background()

	if _, err := s.IncrementWithTTL(ctx, "c", time.Second); err != nil {
		t.Fatalf("increment: %v", err)
	}
	mr.FastForward(2 * time.Second)

	n, err := s.IncrementWithTTL(ctx, "c", time.Second)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected fresh window, got %d", n)
	}
}

func TestRedisCounterTTLRoundsUpToWholeSeconds(t *testing.T) {
	s, mr := newRedisCounters(t)
	ctx := context.Background()

	for key, tc := range map[string]struct {
		window time.Duration
		want   time.Duration
	}{
		"tail":  {50 * time.Millisecond, time.Second},
		"mid":   {59*time.Second + 100*time.Millisecond, time.Minute},
		"exact": {10 * time.Second, 10 * time.Second},
	} {
		if _, err := s.IncrementWithTTL(ctx, key, tc.window); err != nil {
			t.Fatalf("increment %s: %v", key, err)
		}
		if got := mr.TTL("test:" + key); got != tc.want {
			t.Fatalf("%s: ttl %v, want %v", key, got, tc.want)
		}
	}

	// the counter must outlive the window it was created for
	mr.FastForward(59*time.Second + 150*time.Millisecond)
	if v, _ := s.Get(ctx, "mid"); v != 1 {
		t.Fatalf("counter expired before its window ended, got %d", v)
	}
}

func TestRedisCounterUnavailable(t *testing.T) {
	s, mr := newRedisCounters(t)
	mr.Close()

	_, err := s.IncrementWithTTL(context.Background(), "c", time.Minute)
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestMemoryCounterExpiresWithClock(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewMemoryCounterStore().WithClock(func() time.Time { return now })
	ctx := context.Background()

	if _, err := s.IncrementWithTTL(ctx, "c", time.Minute); err != nil {
		t.Fatalf("increment: %v", err)
	}
	now = now.Add(time.Minute)
	if v, _ := s.Get(ctx, "c"); v != 0 {
		t.Fatalf("expected counter to expire at the window boundary, got %d", v)
	}

	if _, err := s.IncrementWithTTL(ctx, "d", time.Second); err != nil {
		t.Fatalf("increment: %v", err)
	}
	now = now.Add(time.Hour)
	if removed := s.Sweep(); removed != 1 {
		t.Fatalf("expected sweep to remove 1 counter, got %d", removed)
	}
}

func TestMemoryCounterConcurrentIncrements(t *testing.T) {
	s := NewMemoryCounterStore()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.IncrementWithTTL(ctx, "c", time.Minute)
		}()
	}
	wg.Wait()

	if v, _ := s.Get(ctx, "c"); v != 50 {
		t.Fatalf("expected 50 increments, got %d", v)
	}
}

type slowCounters struct{ CounterStore }

func (slowCounters) Get(ctx context.Context, key string) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func TestTimeoutCounterStoreReportsUnavailable(t *testing.T) {
	s := WithCounterTimeout(slowCounters{NewMemoryCounterStore()}, 10*time.Millisecond)

	_, err := s.Get(context.Background(), "c")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline cause to be kept, got %v", err)
	}
}

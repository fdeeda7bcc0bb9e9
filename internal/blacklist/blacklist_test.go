package blacklist

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryPutExists(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	ok, err := m.Exists(ctx, "jti-1")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if ok {
		t.Fatal("empty store reports key present")
	}

	if err := m.Put(ctx, "jti-1", time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err = m.Exists(ctx, "jti-1")
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !ok {
		t.Fatal("stored key not found")
	}
}

func TestMemoryExpiry(t *testing.T) {
	var (
		mu  sync.Mutex
		now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	m := NewMemoryWithClock(clock)
	ctx := context.Background()

	if err := m.Put(ctx, "jti-1", 10*time.Minute); err != nil {
		t.Fatalf("Put: %v", err)
	}

	mu.Lock()
	now = now.Add(5 * time.Minute)
	mu.Unlock()
	if ok, _ := m.Exists(ctx, "jti-1"); !ok {
		t.Fatal("key expired early")
	}

	mu.Lock()
	now = now.Add(6 * time.Minute)
	mu.Unlock()
	if ok, _ := m.Exists(ctx, "jti-1"); ok {
		t.Fatal("key survived its ttl")
	}
}

func TestMemoryConcurrentAccess(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := string(rune('a' + i))
			_ = m.Put(ctx, key, time.Minute)
			_, _ = m.Exists(ctx, key)
		}(i)
	}
	wg.Wait()
}

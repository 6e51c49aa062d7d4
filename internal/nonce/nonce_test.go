package nonce

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestRegistryGenerateValidate(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil, nil, 0)
	defer r.Close()

	n, err := r.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	raw, err := base64.StdEncoding.DecodeString(n)
	if err != nil {
		t.Fatalf("nonce %q is not base64: %v", n, err)
	}
	if len(raw) != Size {
		t.Errorf("nonce has %d bytes, want %d", len(raw), Size)
	}

	// validation does not consume
	for i := 0; i < 3; i++ {
		if !r.Validate(ctx, n) {
			t.Fatalf("Validate #%d = false, want true", i+1)
		}
	}
	if r.Validate(ctx, "unknown") || r.Validate(ctx, "") {
		t.Error("unknown nonces must not validate")
	}
	if r.TTL() != DefaultTTL {
		t.Errorf("TTL = %v, want %v", r.TTL(), DefaultTTL)
	}
}

func TestRegistryUniqueness(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil, nil, 0)
	seen := make(map[string]bool)
	for i := 0; i < 200; i++ {
		n, err := r.Generate(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if seen[n] {
			t.Fatalf("duplicate nonce %q", n)
		}
		seen[n] = true
	}
	if r.Len() != 200 {
		t.Errorf("Len = %d, want 200", r.Len())
	}
}

func TestRegistrySweepZero(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil, nil, 0)

	n, _ := r.Generate(ctx)
	if !r.Validate(ctx, n) {
		t.Fatal("fresh nonce should validate")
	}
	if removed := r.Sweep(ctx, 0); removed != 1 {
		t.Errorf("Sweep(0) removed %d, want 1", removed)
	}
	if r.Validate(ctx, n) {
		t.Error("nonce should be invalid after Sweep(0)")
	}
}

func TestRegistrySweepByAge(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	r := NewRegistry(NewMemoryStore(), nil, time.Hour)
	r.SetClock(clock.Now)

	old, _ := r.Generate(ctx)
	clock.Advance(40 * time.Minute)
	young, _ := r.Generate(ctx)
	clock.Advance(30 * time.Minute)

	if removed := r.SweepExpired(ctx); removed != 1 {
		t.Errorf("SweepExpired removed %d, want 1", removed)
	}
	if r.Validate(ctx, old) {
		t.Error("70-minute-old nonce should be swept")
	}
	if !r.Validate(ctx, young) {
		t.Error("30-minute-old nonce should survive")
	}
}

func TestRegistryRandomFailure(t *testing.T) {
	r := NewRegistry(nil, bytes.NewReader([]byte{1, 2, 3}), 0)
	if _, err := r.Generate(context.Background()); err == nil {
		t.Error("expected error when the random source runs dry")
	}
	if r.Len() != 0 {
		t.Error("failed generation must not record anything")
	}
}

func TestRegistryConcurrent(t *testing.T) {
	ctx := context.Background()
	r := NewRegistry(nil, nil, 0)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				n, err := r.Generate(ctx)
				if err != nil {
					t.Error(err)
					return
				}
				if !r.Validate(ctx, n) {
					t.Error("generated nonce failed validation")
				}
			}
		}()
	}
	wg.Wait()
	if r.Len() != 400 {
		t.Errorf("Len = %d, want 400", r.Len())
	}
}

func TestRedisStoreConstructor(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	defer client.Close()

	rs := NewRedisStore(client, "")
	if rs.key != "consoleguard:nonces" {
		t.Errorf("key = %q", rs.key)
	}
	rs = NewRedisStore(client, "tenant-a:")
	if rs.key != "tenant-a:nonces" {
		t.Errorf("key = %q", rs.key)
	}
}

func TestRedisStoreFailsClosed(t *testing.T) {
	// Nothing listens on this port; every command fails fast.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	r := NewRegistry(NewRedisStore(client, "test:"), nil, 0)
	ctx := context.Background()

	if _, err := r.Generate(ctx); err == nil {
		t.Error("Generate should report the store error")
	}
	if r.Validate(ctx, "anything") {
		t.Error("Validate must fail closed when Redis is unreachable")
	}
	if r.Sweep(ctx, 0) != 0 {
		t.Error("Sweep should report nothing removed on error")
	}
	if r.Len() != -1 {
		t.Errorf("Len = %d, want -1", r.Len())
	}
	_, err := NewRedisStore(client, "test:").Exists(ctx, "x")
	if err == nil || errors.Is(err, redis.Nil) {
		t.Errorf("Exists error = %v, want a connection error", err)
	}
}

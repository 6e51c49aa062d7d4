package nonce

import (
	"context"
	"sync"
	"time"
)

// Store records issued nonces with their issue time.
type Store interface {
	// Put records nonce as issued at issuedAt.
	Put(ctx context.Context, nonce string, issuedAt time.Time) error
	// Exists reports whether nonce is recorded.
	Exists(ctx context.Context, nonce string) (bool, error)
	// SweepBefore removes every nonce issued at or before cutoff and returns
	// how many were removed.
	SweepBefore(ctx context.Context, cutoff time.Time) (int, error)
	// Size returns the number of recorded nonces, or -1 if unknown.
	Size() int
	Close()
}

// MemoryStore is an in-memory Store. Entries live until swept.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]time.Time // value = issue time
}

// NewMemoryStore creates a new in-memory nonce store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]time.Time)}
}

func (ms *MemoryStore) Put(_ context.Context, nonce string, issuedAt time.Time) error {
	ms.mu.Lock()
	ms.entries[nonce] = issuedAt
	ms.mu.Unlock()
	return nil
}

func (ms *MemoryStore) Exists(_ context.Context, nonce string) (bool, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	_, ok := ms.entries[nonce]
	return ok, nil
}

func (ms *MemoryStore) SweepBefore(_ context.Context, cutoff time.Time) (int, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	removed := 0
	for key, issued := range ms.entries {
		if !issued.After(cutoff) {
			delete(ms.entries, key)
			removed++
		}
	}
	return removed, nil
}

// Size returns the number of entries, including ones past their TTL that
// have not been swept yet.
func (ms *MemoryStore) Size() int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	return len(ms.entries)
}

// Close is a no-op.
func (ms *MemoryStore) Close() {}

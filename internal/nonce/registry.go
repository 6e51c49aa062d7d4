// Package nonce issues the random values that mark inline scripts and styles
// as exempt from the security policy. Nonces stay valid for any number of
// checks until an explicit sweep removes them.
package nonce

import (
	"context"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/wudi/consoleguard/internal/logging"
	"github.com/wudi/consoleguard/internal/platform"
	"go.uber.org/zap"
)

// DefaultTTL is the age after which SweepExpired removes a nonce.
const DefaultTTL = time.Hour

// Size is the number of random bytes in a nonce.
const Size = 16

// Registry generates nonces and tracks which ones are live.
type Registry struct {
	store  Store
	random platform.RandomSource
	ttl    time.Duration
	now    func() time.Time
}

// NewRegistry creates a registry over store. A nil store uses a MemoryStore,
// a nil random source uses crypto/rand and a zero ttl uses DefaultTTL.
func NewRegistry(store Store, random platform.RandomSource, ttl time.Duration) *Registry {
	if store == nil {
		store = NewMemoryStore()
	}
	if random == nil {
		random = platform.CryptoRandom{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Registry{
		store:  store,
		random: random,
		ttl:    ttl,
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (r *Registry) SetClock(now func() time.Time) {
	r.now = now
}

// TTL returns the sweep age used by SweepExpired.
func (r *Registry) TTL() time.Duration {
	return r.ttl
}

// Generate returns a fresh base64 nonce and records its issue time.
func (r *Registry) Generate(ctx context.Context) (string, error) {
	b, err := platform.Bytes(r.random, Size)
	if err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	n := base64.StdEncoding.EncodeToString(b)
	if err := r.store.Put(ctx, n, r.now()); err != nil {
		return "", fmt.Errorf("record nonce: %w", err)
	}
	return n, nil
}

// Validate reports whether nonce was issued and not yet swept. It does not
// consume the nonce.
func (r *Registry) Validate(ctx context.Context, nonce string) bool {
	if nonce == "" {
		return false
	}
	ok, err := r.store.Exists(ctx, nonce)
	if err != nil {
		logging.Warn("nonce validation failed", zap.Error(err))
		return false
	}
	return ok
}

// Sweep removes nonces whose age is at least maxAge and returns how many
// were removed. Sweep(ctx, 0) removes every nonce issued so far.
func (r *Registry) Sweep(ctx context.Context, maxAge time.Duration) int {
	if maxAge < 0 {
		maxAge = 0
	}
	n, err := r.store.SweepBefore(ctx, r.now().Add(-maxAge))
	if err != nil {
		logging.Warn("nonce sweep failed", zap.Error(err))
		return 0
	}
	if n > 0 {
		logging.Debug("nonces swept", zap.Int("removed", n))
	}
	return n
}

// SweepExpired removes nonces older than the registry TTL.
func (r *Registry) SweepExpired(ctx context.Context) int {
	return r.Sweep(ctx, r.ttl)
}

// Len returns the number of live nonces, or -1 if the store cannot tell.
func (r *Registry) Len() int {
	return r.store.Size()
}

// Close releases the store.
func (r *Registry) Close() {
	r.store.Close()
}

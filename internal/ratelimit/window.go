// Package ratelimit throttles outbound calls per endpoint before they leave
// the process.
package ratelimit

import (
	"context"
	"net/url"
	"strings"
	"time"
)

// Policy is a limit per window.
type Policy struct {
	Name   string
	Limit  int
	Window time.Duration
}

var (
	// DefaultPolicy applies to every endpoint without a more specific policy.
	DefaultPolicy = Policy{Name: "default", Limit: 60, Window: 60 * time.Second}
	// SensitivePolicy is the stricter variant for endpoints such as login or
	// password reset.
	SensitivePolicy = Policy{Name: "sensitive", Limit: 10, Window: 5 * time.Minute}
)

// Decision is the outcome of one acquire.
type Decision struct {
	Allowed           bool
	Remaining         int
	RetryAfterSeconds int // set when denied
	ResetAt           time.Time
	Policy            string
}

// Limiter decides whether a call to key may proceed.
type Limiter interface {
	Acquire(ctx context.Context, key string) Decision
}

// NormalizeKey reduces a path or URL to its endpoint key: scheme, host,
// query and fragment are dropped and the rest is lowercased.
func NormalizeKey(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.IndexAny(s, "?#"); i >= 0 {
		s = s[:i]
	}
	if u, err := url.Parse(s); err == nil && u.Host != "" {
		s = u.Path
	}
	s = strings.ToLower(s)
	if s == "" {
		return "/"
	}
	return s
}

// rateWindow is the counter for one endpoint key.
type rateWindow struct {
	count   int
	resetAt time.Time
}

// Window is an in-memory per-key window counter. A window starts at the
// first call for a key and resets on the first call after resetAt. Expired
// windows stay in memory until SweepExpired.
type Window struct {
	policy  Policy
	windows *shardedMap[*rateWindow]
	now     func() time.Time
}

// NewWindow creates a window limiter. Zero fields fall back to DefaultPolicy.
func NewWindow(p Policy) *Window {
	if p.Limit <= 0 {
		p.Limit = DefaultPolicy.Limit
	}
	if p.Window <= 0 {
		p.Window = DefaultPolicy.Window
	}
	if p.Name == "" {
		p.Name = DefaultPolicy.Name
	}
	return &Window{
		policy:  p,
		windows: newShardedMap[*rateWindow](),
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (w *Window) SetClock(now func() time.Time) {
	w.now = now
}

// Policy returns the policy this window enforces.
func (w *Window) Policy() Policy {
	return w.policy
}

// TryAcquire counts one call to key. Window creation and the increment
// happen under the key's shard lock.
func (w *Window) TryAcquire(key string) Decision {
	key = NormalizeKey(key)
	now := w.now()

	s := w.windows.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	rw, ok := s.items[key]
	if !ok || now.After(rw.resetAt) {
		rw = &rateWindow{count: 1, resetAt: now.Add(w.policy.Window)}
		s.items[key] = rw
		return Decision{Allowed: true, Remaining: w.policy.Limit - 1, ResetAt: rw.resetAt, Policy: w.policy.Name}
	}

	if rw.count < w.policy.Limit {
		rw.count++
		return Decision{Allowed: true, Remaining: w.policy.Limit - rw.count, ResetAt: rw.resetAt, Policy: w.policy.Name}
	}

	return Decision{
		Allowed:           false,
		RetryAfterSeconds: ceilSeconds(rw.resetAt.Sub(now)),
		ResetAt:           rw.resetAt,
		Policy:            w.policy.Name,
	}
}

// Acquire implements Limiter.
func (w *Window) Acquire(_ context.Context, key string) Decision {
	return w.TryAcquire(key)
}

// SweepExpired removes windows whose reset time has passed and returns how
// many were removed.
func (w *Window) SweepExpired() int {
	now := w.now()
	return w.windows.deleteFunc(func(_ string, rw *rateWindow) bool {
		return now.After(rw.resetAt)
	})
}

// Len returns the number of windows held, expired ones included.
func (w *Window) Len() int {
	return w.windows.len()
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"github.com/gobwas/glob"
)

// sweeper is implemented by limiters holding in-memory windows.
type sweeper interface {
	SweepExpired() int
	Len() int
}

type route struct {
	pattern string
	glob    glob.Glob
	limiter Limiter
}

// Router sends each key to the limiter of the first matching path pattern,
// or to the fallback. Patterns are globs over normalized keys with '/' as
// separator: '*' stays within one segment, '**' spans segments.
type Router struct {
	fallback Limiter

	mu     sync.RWMutex
	routes []route
}

// NewRouter creates a router over fallback.
func NewRouter(fallback Limiter) *Router {
	return &Router{fallback: fallback}
}

// Route sends keys matching pattern to l. Earlier routes win.
func (r *Router) Route(pattern string, l Limiter) error {
	g, err := glob.Compile(NormalizeKey(pattern), '/')
	if err != nil {
		return fmt.Errorf("invalid path pattern %q: %w", pattern, err)
	}
	r.mu.Lock()
	r.routes = append(r.routes, route{pattern: pattern, glob: g, limiter: l})
	r.mu.Unlock()
	return nil
}

// Acquire implements Limiter.
func (r *Router) Acquire(ctx context.Context, key string) Decision {
	return r.match(key).Acquire(ctx, key)
}

func (r *Router) match(key string) Limiter {
	k := NormalizeKey(key)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, rt := range r.routes {
		if rt.glob.Match(k) {
			return rt.limiter
		}
	}
	return r.fallback
}

// SweepExpired sweeps every in-memory limiter behind the router.
func (r *Router) SweepExpired() int {
	n := 0
	for _, l := range r.limiters() {
		if s, ok := l.(sweeper); ok {
			n += s.SweepExpired()
		}
	}
	return n
}

// Len returns the number of in-memory windows behind the router.
func (r *Router) Len() int {
	n := 0
	for _, l := range r.limiters() {
		if s, ok := l.(sweeper); ok {
			n += s.Len()
		}
	}
	return n
}

// limiters returns the distinct limiters, fallback first.
func (r *Router) limiters() []Limiter {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := []Limiter{r.fallback}
	seen := map[Limiter]bool{r.fallback: true}
	for _, rt := range r.routes {
		if !seen[rt.limiter] {
			seen[rt.limiter] = true
			out = append(out, rt.limiter)
		}
	}
	return out
}

// Package session holds the console's bearer credential and ends the
// session when the API rejects it.
package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/wudi/consoleguard/internal/logging"
	"github.com/wudi/consoleguard/internal/metrics"
	"go.uber.org/zap"
)

// TokenClearer is the part of the anti-forgery token store a logout touches.
type TokenClearer interface {
	Clear()
}

// LogoutHook runs after the session state is cleared.
type LogoutHook func(ctx context.Context, reason string)

// Session is the signed-in state of the console.
type Session struct {
	tokens  TokenClearer
	metrics *metrics.Collector
	now     func() time.Time

	mu      sync.RWMutex
	bearer  string
	expires time.Time // zero when the credential carries no expiry
	hooks   []LogoutHook
}

// New creates a signed-out session. tokens may be nil.
func New(tokens TokenClearer, m *metrics.Collector) *Session {
	return &Session{
		tokens:  tokens,
		metrics: m,
		now:     time.Now,
	}
}

// SetClock replaces the time source.
func (s *Session) SetClock(now func() time.Time) {
	s.now = now
}

// SetBearer stores the bearer credential. A JWT's exp claim is read without
// verifying the signature; the API verifies it. Opaque credentials never
// expire locally.
func (s *Session) SetBearer(token string) error {
	if token == "" {
		return fmt.Errorf("empty bearer token")
	}

	var expires time.Time
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err == nil {
		exp, err := claims.GetExpirationTime()
		if err != nil {
			return fmt.Errorf("read token expiry: %w", err)
		}
		if exp != nil {
			expires = exp.Time
		}
	}

	s.mu.Lock()
	s.bearer = token
	s.expires = expires
	s.mu.Unlock()
	return nil
}

// BearerToken returns the credential while it is unexpired.
func (s *Session) BearerToken() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.bearer == "" {
		return "", false
	}
	if !s.expires.IsZero() && !s.now().Before(s.expires) {
		return "", false
	}
	return s.bearer, true
}

// Authenticated reports whether an unexpired credential is held.
func (s *Session) Authenticated() bool {
	_, ok := s.BearerToken()
	return ok
}

// OnLogout registers a hook run by every Logout.
func (s *Session) OnLogout(h LogoutHook) {
	s.mu.Lock()
	s.hooks = append(s.hooks, h)
	s.mu.Unlock()
}

// Logout drops the credential, clears the anti-forgery token and runs the
// logout hooks in registration order.
func (s *Session) Logout(ctx context.Context, reason string) {
	s.mu.Lock()
	s.bearer = ""
	s.expires = time.Time{}
	hooks := append([]LogoutHook(nil), s.hooks...)
	s.mu.Unlock()

	if s.tokens != nil {
		s.tokens.Clear()
	}
	s.metrics.RecordLogout(reason)
	logging.Info("session ended", zap.String("reason", reason))

	for _, h := range hooks {
		h(ctx, reason)
	}
}

// Package navguard gates navigation to protected console routes on the
// presence of an anti-forgery token.
package navguard

import (
	"context"
	"net/http"
	"net/url"

	"github.com/wudi/consoleguard/internal/logging"
	"go.uber.org/zap"
)

// Outcome is the verdict for one navigation attempt.
type Outcome int

const (
	// Allow lets the navigation proceed.
	Allow Outcome = iota
	// Retry denies this attempt; a token was obtained so the next one passes.
	Retry
	// RedirectLogin sends the user to the login flow.
	RedirectLogin
)

func (o Outcome) String() string {
	switch o {
	case Allow:
		return "allow"
	case Retry:
		return "retry"
	default:
		return "redirect_login"
	}
}

// Decision is the result of Check.
type Decision struct {
	Outcome  Outcome
	Redirect string // login URL with returnUrl, set for RedirectLogin
}

// Allowed reports whether the navigation may proceed now.
func (d Decision) Allowed() bool {
	return d.Outcome == Allow
}

// Tokens is the token store view the guard needs.
type Tokens interface {
	Token() string
	Refresh(ctx context.Context) (string, error)
}

// Guard decides protected-route navigations.
type Guard struct {
	tokens    Tokens
	loginPath string
}

// New creates a Guard redirecting to loginPath, "/login" when empty.
func New(tokens Tokens, loginPath string) *Guard {
	if loginPath == "" {
		loginPath = "/login"
	}
	return &Guard{tokens: tokens, loginPath: loginPath}
}

// Check allows the navigation when a token is cached. Otherwise it refreshes:
// on success this attempt is still denied and the caller retries, on failure
// the user is sent to the login flow with target as returnUrl.
func (g *Guard) Check(ctx context.Context, target string) Decision {
	if g.tokens.Token() != "" {
		return Decision{Outcome: Allow}
	}

	if _, err := g.tokens.Refresh(ctx); err != nil {
		logging.Warn("navigation denied, token refresh failed",
			zap.String("target", target),
			zap.Error(err),
		)
		return Decision{Outcome: RedirectLogin, Redirect: g.loginURL(target)}
	}

	logging.Debug("navigation deferred until token is in place", zap.String("target", target))
	return Decision{Outcome: Retry}
}

func (g *Guard) loginURL(target string) string {
	if target == "" {
		return g.loginPath
	}
	u, err := url.Parse(g.loginPath)
	if err != nil {
		return g.loginPath
	}
	q := u.Query()
	q.Set("returnUrl", target)
	u.RawQuery = q.Encode()
	return u.String()
}

// Middleware applies Check to page requests. Retry answers with a redirect
// to the same URL so the browser repeats the navigation with the token in
// place.
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Check(r.Context(), r.URL.RequestURI())
		switch d.Outcome {
		case Allow:
			next.ServeHTTP(w, r)
		case Retry:
			http.Redirect(w, r, r.URL.RequestURI(), http.StatusSeeOther)
		default:
			http.Redirect(w, r, d.Redirect, http.StatusFound)
		}
	})
}

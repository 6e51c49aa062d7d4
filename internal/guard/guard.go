// Package guard is the outbound interceptor every console API call passes
// through: it refuses disallowed targets, throttles per endpoint, attaches
// the security headers and the anti-forgery token, retries once on transient
// failure and ends the session on 401/403.
package guard

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
	"github.com/wudi/consoleguard/internal/csrf"
	"github.com/wudi/consoleguard/internal/errors"
	"github.com/wudi/consoleguard/internal/logging"
	"github.com/wudi/consoleguard/internal/metrics"
	"github.com/wudi/consoleguard/internal/ratelimit"
	"github.com/wudi/consoleguard/internal/sanitize"
	"go.uber.org/zap"
)

// maxErrorBody bounds how much of a failed response is read for a message.
const maxErrorBody = 64 << 10

// TokenSource supplies the current anti-forgery token, "" when absent.
type TokenSource interface {
	Token() string
}

// Session supplies the bearer credential and ends the session on an
// authentication failure.
type Session interface {
	BearerToken() (string, bool)
	Logout(ctx context.Context, reason string)
}

// Options configures a Guard.
type Options struct {
	BaseURL              string // resolves relative request URLs
	APIVersion           string
	CSRFHeader           string        // default "X-CSRF-Token"
	MaxBodyBytes         int64         // default 10 MiB
	RetryDelay           time.Duration // default 1s
	RejectInjectedParams bool
	Jar                  http.CookieJar // cookies of the API origin, sent and updated on every call
}

// Guard is an http.RoundTripper that applies the request pipeline.
type Guard struct {
	opts      Options
	target    *targetPolicy
	transport http.RoundTripper
	tokens    TokenSource
	session   Session
	limiter   ratelimit.Limiter
	metrics   *metrics.Collector
	now       func() time.Time
}

// New creates a Guard. transport defaults to http.DefaultTransport; tokens,
// session, limiter and m may be nil to skip that step.
func New(opts Options, transport http.RoundTripper, tokens TokenSource, session Session, limiter ratelimit.Limiter, m *metrics.Collector) (*Guard, error) {
	if opts.CSRFHeader == "" {
		opts.CSRFHeader = csrf.DefaultHeaderName
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	} else if opts.RetryDelay == 0 {
		opts.RetryDelay = time.Second
	}
	if transport == nil {
		transport = http.DefaultTransport
	}

	tp, err := newTargetPolicy(opts.BaseURL)
	if err != nil {
		return nil, err
	}
	return &Guard{
		opts:      opts,
		target:    tp,
		transport: transport,
		tokens:    tokens,
		session:   session,
		limiter:   limiter,
		metrics:   m,
		now:       time.Now,
	}, nil
}

// Client returns an http.Client whose transport is the guard. Cookies are
// handled by the guard, so the client carries no jar of its own.
func (g *Guard) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: g, Timeout: timeout}
}

// RoundTrip implements http.RoundTripper.
func (g *Guard) RoundTrip(req *http.Request) (*http.Response, error) {
	return g.Do(req)
}

// Do sends req through the pipeline. Any status of 400 or above is returned
// as a *errors.GuardError with the response body consumed.
func (g *Guard) Do(req *http.Request) (*http.Response, error) {
	start := g.now()
	resp, err := g.do(req)

	outcome := "ok"
	if ge, ok := errors.As(err); ok {
		outcome = ge.Kind.String()
	} else if err != nil {
		outcome = "cancelled"
	}
	g.metrics.RecordRequest(outcome, g.now().Sub(start))
	return resp, err
}

func (g *Guard) do(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	target, reason := g.target.resolve(req.URL)
	if reason != "" {
		closeBody(req)
		logging.Warn("request rejected", zap.String("method", req.Method), zap.String("reason", reason))
		return nil, errors.Rejected(reason)
	}

	if g.opts.RejectInjectedParams {
		for name, values := range target.Query() {
			for _, v := range values {
				if sanitize.ContainsInjectionPattern(v) {
					closeBody(req)
					logging.Warn("request rejected",
						zap.String("method", req.Method),
						zap.String("path", target.Path),
						zap.String("param", name),
					)
					return nil, errors.Rejected(fmt.Sprintf("query parameter %q contains a disallowed pattern", name))
				}
			}
		}
	}

	if req.ContentLength > g.opts.MaxBodyBytes {
		closeBody(req)
		return nil, errors.Rejected(fmt.Sprintf("body of %d bytes exceeds %d", req.ContentLength, g.opts.MaxBodyBytes))
	}

	if g.limiter != nil {
		d := g.limiter.Acquire(ctx, target.Path)
		if !d.Allowed {
			closeBody(req)
			g.metrics.RecordRateLimited(d.Policy)
			logging.Debug("request throttled",
				zap.String("path", target.Path),
				zap.Int("retry_after", d.RetryAfterSeconds),
			)
			return nil, errors.RateLimited(d.RetryAfterSeconds)
		}
	}

	out := req.Clone(ctx)
	out.URL = target
	out.Host = ""
	requestID := applyHeaders(out.Header, g.opts.APIVersion, g.now())
	if g.opts.Jar != nil && out.Header.Get("Cookie") == "" {
		for _, c := range g.opts.Jar.Cookies(target) {
			out.AddCookie(c)
		}
	}

	if isStateChanging(out.Method) {
		if tok := g.token(); tok != "" {
			out.Header.Set(g.opts.CSRFHeader, tok)
		} else {
			logging.Warn("anti-forgery token missing, sending without it",
				zap.String("method", out.Method),
				zap.String("path", target.Path),
				zap.String("request_id", requestID),
			)
		}
	}

	if g.session != nil {
		if bearer, ok := g.session.BearerToken(); ok {
			out.Header.Set("Authorization", "Bearer "+bearer)
		}
	}

	resp, err := g.dispatch(ctx, out, requestID)
	if err != nil {
		if ge, ok := errors.As(err); ok && ge.Kind == errors.KindAuth && g.session != nil {
			reason := "unauthorized"
			if ge.Code == http.StatusForbidden {
				reason = "forbidden"
			}
			g.session.Logout(ctx, reason)
		}
		return nil, err
	}
	return resp, nil
}

// dispatch sends out, retrying once after RetryDelay on a network error or
// 5xx when the body can be replayed. A cancelled context stops the retry.
func (g *Guard) dispatch(ctx context.Context, out *http.Request, requestID string) (*http.Response, error) {
	replayable := out.Body == nil || out.Body == http.NoBody || out.GetBody != nil
	retries := uint64(1)
	if !replayable {
		retries = 0
	}
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(g.opts.RetryDelay), retries), ctx)

	var resp *http.Response
	attempt := 0
	op := func() error {
		r := out
		if attempt > 0 {
			g.metrics.RecordRetry()
			logging.Info("retrying request",
				zap.String("method", out.Method),
				zap.String("path", out.URL.Path),
				zap.String("request_id", requestID),
			)
			r = out.Clone(ctx)
			if out.GetBody != nil {
				body, err := out.GetBody()
				if err != nil {
					return backoff.Permanent(errors.Wrap(err, errors.KindRejected, "request body cannot be replayed"))
				}
				r.Body = body
			}
		}
		attempt++

		res, err := g.transport.RoundTrip(r)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return errors.Network(err).WithRequestID(requestID)
		}
		if g.opts.Jar != nil {
			if rc := res.Cookies(); len(rc) > 0 {
				g.opts.Jar.SetCookies(r.URL, rc)
			}
		}
		if res.StatusCode < http.StatusBadRequest {
			resp = res
			return nil
		}

		ge := failure(res).WithRequestID(requestID)
		if ge.Kind != errors.KindTransient {
			return backoff.Permanent(ge)
		}
		return ge
	}

	if err := backoff.Retry(op, b); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request cancelled: %w", ctx.Err())
		}
		return nil, err
	}
	return resp, nil
}

// failure consumes a failed response and classifies it.
func failure(res *http.Response) *errors.GuardError {
	body, _ := io.ReadAll(io.LimitReader(res.Body, maxErrorBody))
	res.Body.Close()

	ge := errors.FromStatus(res.StatusCode, serverMessage(body))
	if res.StatusCode == http.StatusTooManyRequests {
		if secs, err := strconv.Atoi(res.Header.Get("Retry-After")); err == nil && secs > 0 {
			ge.RetryAfter = secs
		}
	}
	return ge
}

// serverMessage extracts the message or error field of a JSON error body.
func serverMessage(body []byte) string {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return ""
	}
	for _, path := range []string{"message", "error.message", "error"} {
		if r := gjson.GetBytes(body, path); r.Type == gjson.String && r.Str != "" {
			return r.Str
		}
	}
	return ""
}

func (g *Guard) token() string {
	if g.tokens == nil {
		return ""
	}
	return g.tokens.Token()
}

func isStateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}

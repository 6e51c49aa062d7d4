// Package csp builds the Content-Security-Policy that locks down the console
// page, applies it to the document head, and handles violation reports.
package csp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/wudi/consoleguard/internal/logging"
	"github.com/wudi/consoleguard/internal/metrics"
	"github.com/wudi/consoleguard/internal/nonce"
	"github.com/wudi/consoleguard/internal/platform"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HeaderName is the policy header and http-equiv name.
const HeaderName = "Content-Security-Policy"

// Options configures a Builder.
type Options struct {
	SelfOrigin     string              // origin the console is served from
	APIOrigin      string              // added to connect-src
	Production     bool                // adds upgrade-insecure-requests and block-all-mixed-content
	ReportURI      string              // optional report-uri clause
	ReportEndpoint string              // absolute URL violation reports are POSTed to
	ReportRate     float64             // forwarded reports per second
	ReportBurst    int                 // forwarded report burst
	ExtraSources   map[string][]string // directive -> additional sources
}

// directive is one clause of the base rule set.
type directive struct {
	name    string
	sources []string
	nonce   bool // append 'nonce-N' after the first source
}

var baseDirectives = []directive{
	{name: "default-src", sources: []string{"'self'"}},
	{name: "script-src", sources: []string{"'self'", "'strict-dynamic'"}, nonce: true},
	{name: "style-src", sources: []string{"'self'"}, nonce: true},
	{name: "img-src", sources: []string{"'self'", "data:", "https:"}},
	{name: "font-src", sources: []string{"'self'", "data:"}},
	{name: "connect-src", sources: []string{"'self'"}},
	{name: "media-src", sources: []string{"'self'"}},
	{name: "object-src", sources: []string{"'none'"}},
	{name: "frame-src", sources: []string{"'none'"}},
	{name: "frame-ancestors", sources: []string{"'none'"}},
	{name: "base-uri", sources: []string{"'self'"}},
	{name: "form-action", sources: []string{"'self'"}},
}

// Builder assembles the policy from the fixed rule set and a fresh nonce.
type Builder struct {
	nonces  *nonce.Registry
	doc     platform.DocumentHead
	client  *http.Client
	metrics *metrics.Collector

	mu      sync.RWMutex
	opts    Options
	limiter *rate.Limiter
	active  string
	nonce   string
	parsed  map[string][]source
}

// New creates a Builder. doc may be nil when no document is managed; client
// is used to forward violation reports and defaults to http.DefaultClient.
func New(opts Options, nonces *nonce.Registry, doc platform.DocumentHead, client *http.Client, m *metrics.Collector) *Builder {
	if client == nil {
		client = http.DefaultClient
	}
	b := &Builder{
		nonces:  nonces,
		doc:     doc,
		client:  client,
		metrics: m,
	}
	b.Reconfigure(opts)
	return b
}

// Reconfigure replaces the options. The active policy is kept until the next
// ApplyPolicy.
func (b *Builder) Reconfigure(opts Options) {
	opts.SelfOrigin = origin(opts.SelfOrigin)
	opts.APIOrigin = origin(opts.APIOrigin)

	limit := rate.Limit(opts.ReportRate)
	if opts.ReportRate <= 0 {
		limit = rate.Inf
	}
	burst := opts.ReportBurst
	if burst <= 0 {
		burst = 1
	}

	b.mu.Lock()
	b.opts = opts
	b.limiter = rate.NewLimiter(limit, burst)
	b.mu.Unlock()
}

// BuildPolicy generates one nonce and returns the policy string carrying it.
func (b *Builder) BuildPolicy(ctx context.Context) (string, error) {
	policy, _, err := b.build(ctx)
	return policy, err
}

func (b *Builder) build(ctx context.Context) (string, string, error) {
	n, err := b.nonces.Generate(ctx)
	if err != nil {
		return "", "", fmt.Errorf("build policy: %w", err)
	}

	b.mu.RLock()
	opts := b.opts
	b.mu.RUnlock()

	clauses := make([]string, 0, len(baseDirectives)+3)
	for _, d := range baseDirectives {
		sources := append([]string(nil), d.sources...)
		if d.nonce {
			sources = append(sources[:1], append([]string{"'nonce-" + n + "'"}, sources[1:]...)...)
		}
		if d.name == "connect-src" && opts.APIOrigin != "" && opts.APIOrigin != opts.SelfOrigin {
			sources = append(sources, opts.APIOrigin)
		}
		sources = appendExtra(d, sources, opts.ExtraSources[d.name])
		clauses = append(clauses, d.name+" "+strings.Join(sources, " "))
	}

	if opts.ReportURI != "" {
		clauses = append(clauses, "report-uri "+opts.ReportURI)
	}
	if opts.Production {
		clauses = append(clauses, "upgrade-insecure-requests", "block-all-mixed-content")
	}

	return strings.Join(clauses, "; "), n, nil
}

// appendExtra adds configured sources. Directives locked to 'none' and
// sources that could smuggle a keyword or nonce are left alone.
func appendExtra(d directive, sources, extra []string) []string {
	if len(extra) == 0 {
		return sources
	}
	if d.sources[0] == "'none'" {
		logging.Warn("ignoring extra sources for locked directive", zap.String("directive", d.name))
		return sources
	}
	for _, s := range extra {
		s = strings.TrimSpace(s)
		if s == "" || strings.ContainsAny(s, "'; ,") {
			logging.Warn("ignoring invalid extra source", zap.String("directive", d.name), zap.String("source", s))
			continue
		}
		sources = append(sources, s)
	}
	return sources
}

// ApplyPolicy builds a fresh policy, replaces the declaration in the document
// head, sweeps expired nonces and records the policy as active. Each call
// rotates the nonce.
func (b *Builder) ApplyPolicy(ctx context.Context) error {
	policy, n, err := b.build(ctx)
	if err != nil {
		return err
	}

	if b.doc != nil {
		b.doc.SetHTTPEquiv(HeaderName, policy)
	}
	b.nonces.SweepExpired(ctx)

	parsed := parsePolicy(policy)
	b.mu.Lock()
	b.active = policy
	b.nonce = n
	b.parsed = parsed
	b.mu.Unlock()

	b.metrics.RecordPolicyApplied()
	logging.Debug("content security policy applied", zap.Int("directives", len(parsed)))
	return nil
}

// Active returns the policy applied last, or "" before the first apply.
func (b *Builder) Active() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.active
}

// Nonce returns the nonce of the active policy.
func (b *Builder) Nonce() string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nonce
}

// Middleware sets the active policy on every response.
func (b *Builder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if policy := b.Active(); policy != "" {
			w.Header().Set(HeaderName, policy)
		}
		next.ServeHTTP(w, r)
	})
}

// origin reduces a URL to scheme://host[:port], or "" if it has no host.
func origin(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	return originOf(u)
}

// Package app wires the security services from configuration and owns
// their lifetime.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wudi/consoleguard/internal/config"
	"github.com/wudi/consoleguard/internal/csp"
	"github.com/wudi/consoleguard/internal/csrf"
	"github.com/wudi/consoleguard/internal/guard"
	"github.com/wudi/consoleguard/internal/logging"
	"github.com/wudi/consoleguard/internal/metrics"
	"github.com/wudi/consoleguard/internal/navguard"
	"github.com/wudi/consoleguard/internal/nonce"
	"github.com/wudi/consoleguard/internal/platform"
	"github.com/wudi/consoleguard/internal/ratelimit"
	"github.com/wudi/consoleguard/internal/session"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const modeDistributed = "distributed"

// App holds the process-lifetime security services.
type App struct {
	mu  sync.RWMutex
	cfg *config.Config

	metrics *metrics.Collector
	redis   *redis.Client
	jar     *platform.HTTPJar
	doc     platform.DocumentHead
	nonces  *nonce.Registry
	policy  *csp.Builder
	tokens  *csrf.Store
	session *session.Session
	limiter *ratelimit.Router // nil when rate limiting is disabled
	guard   *guard.Guard
	client  *http.Client
	nav     *navguard.Guard

	metricsServer *http.Server
}

// Option customizes New.
type Option func(*options)

type options struct {
	doc       platform.DocumentHead
	transport http.RoundTripper
	metrics   *metrics.Collector
}

// WithDocument manages doc instead of an empty page.
func WithDocument(doc platform.DocumentHead) Option {
	return func(o *options) { o.doc = doc }
}

// WithTransport sends API traffic through rt instead of
// http.DefaultTransport.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.transport = rt }
}

// WithMetrics records into m regardless of metrics.enabled.
func WithMetrics(m *metrics.Collector) Option {
	return func(o *options) { o.metrics = m }
}

// New builds every service from cfg. Nothing touches the network until
// Start.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{cfg: cfg, metrics: o.metrics}
	if a.metrics == nil && cfg.Metrics.Enabled {
		a.metrics = metrics.NewCollector(cfg.Metrics.Namespace)
	}

	if cfg.Nonce.Mode == modeDistributed || (cfg.RateLimit.Enabled && cfg.RateLimit.Mode == modeDistributed) {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}

	jar, err := platform.NewHTTPJar(cfg.APIBaseURL)
	if err != nil {
		return nil, fmt.Errorf("cookie jar: %w", err)
	}
	a.jar = jar

	a.doc = o.doc
	if a.doc == nil {
		a.doc = platform.NewDocument()
	}

	var store nonce.Store = nonce.NewMemoryStore()
	if cfg.Nonce.Mode == modeDistributed {
		store = nonce.NewRedisStore(a.redis, "")
	}
	a.nonces = nonce.NewRegistry(store, nil, cfg.Nonce.TTL)

	transport := o.transport
	if transport == nil {
		transport = http.DefaultTransport
	}

	tokenEndpoint, err := resolve(cfg.APIBaseURL, cfg.CSRF.TokenEndpoint)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	a.tokens = csrf.NewStore(csrf.Options{
		Endpoint:       tokenEndpoint,
		CookieName:     cfg.CSRF.CookieName,
		MetaName:       cfg.CSRF.MetaName,
		FetchTimeout:   cfg.CSRF.FetchTimeout,
		ClientFallback: cfg.CSRF.ClientFallback,
	}, &http.Client{Transport: transport, Jar: jar.Jar()}, a.doc, jar, nil, a.metrics)

	a.session = session.New(a.tokens, a.metrics)

	a.limiter, err = buildLimiter(cfg.RateLimit, a.redis)
	if err != nil {
		return nil, err
	}

	var limiter ratelimit.Limiter
	if a.limiter != nil {
		limiter = a.limiter
	}
	a.guard, err = guard.New(guard.Options{
		BaseURL:              cfg.APIBaseURL,
		APIVersion:           cfg.APIVersion,
		CSRFHeader:           cfg.CSRF.HeaderName,
		MaxBodyBytes:         cfg.Guard.MaxBodyBytes,
		RetryDelay:           cfg.Guard.RetryDelay,
		RejectInjectedParams: cfg.Guard.RejectsInjectedParams(),
		Jar:                  jar.Jar(),
	}, transport, a.tokens, a.session, limiter, a.metrics)
	if err != nil {
		return nil, fmt.Errorf("request guard: %w", err)
	}
	a.client = a.guard.Client(cfg.Guard.Timeout)

	cspOpts, err := policyOptions(cfg)
	if err != nil {
		return nil, err
	}
	a.policy = csp.New(cspOpts, a.nonces, a.doc, a.client, a.metrics)

	a.nav = navguard.New(a.tokens, cfg.Navigation.LoginPath)

	if a.metrics != nil && cfg.Metrics.Address != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", a.metrics.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		})
		a.metricsServer = &http.Server{
			Addr:         cfg.Metrics.Address,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}
	}

	return a, nil
}

// buildLimiter returns nil when rate limiting is disabled.
func buildLimiter(cfg config.RateLimitConfig, rdb *redis.Client) (*ratelimit.Router, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	def := ratelimit.Policy{Name: ratelimit.DefaultPolicy.Name, Limit: cfg.Limit, Window: cfg.Window}
	sensitive := ratelimit.Policy{Name: ratelimit.SensitivePolicy.Name, Limit: cfg.SensitiveLimit, Window: cfg.SensitiveWindow}

	var fallback, strict ratelimit.Limiter
	if cfg.Mode == modeDistributed {
		fallback = ratelimit.NewRedisWindow(rdb, "", def)
		strict = ratelimit.NewRedisWindow(rdb, "", sensitive)
	} else {
		fallback = ratelimit.NewWindow(def)
		strict = ratelimit.NewWindow(sensitive)
	}

	router := ratelimit.NewRouter(fallback)
	for _, p := range cfg.SensitivePaths {
		if err := router.Route(p, strict); err != nil {
			return nil, fmt.Errorf("rate limit: %w", err)
		}
	}
	return router, nil
}

func policyOptions(cfg *config.Config) (csp.Options, error) {
	opts := csp.Options{
		SelfOrigin:   cfg.ConsoleOrigin,
		APIOrigin:    cfg.APIBaseURL,
		Production:   cfg.IsProduction(),
		ReportURI:    cfg.CSP.ReportURI,
		ReportRate:   cfg.CSP.ReportRate,
		ReportBurst:  cfg.CSP.ReportBurst,
		ExtraSources: cfg.CSP.ExtraSources,
	}
	if cfg.CSP.ReportEndpoint != "" {
		endpoint, err := resolve(cfg.APIBaseURL, cfg.CSP.ReportEndpoint)
		if err != nil {
			return opts, fmt.Errorf("report endpoint: %w", err)
		}
		opts.ReportEndpoint = endpoint
	}
	return opts, nil
}

// resolve joins an endpoint path onto the API base URL.
func resolve(base, path string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	p, err := url.Parse(path)
	if err != nil {
		return "", err
	}
	return b.ResolveReference(p).String(), nil
}

// Start applies the policy and resolves the initial token.
func (a *App) Start(ctx context.Context) error {
	if err := a.policy.ApplyPolicy(ctx); err != nil {
		return fmt.Errorf("apply policy: %w", err)
	}
	source := a.tokens.Init(ctx)
	logging.Info("console guard started",
		zap.String("environment", a.Config().Environment),
		zap.String("token_source", source),
		zap.Bool("rate_limit", a.limiter != nil),
	)
	return nil
}

// Run starts the services, then runs the sweep loop and the metrics listener
// until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.maintain(gctx)
		return nil
	})
	if a.metricsServer != nil {
		g.Go(func() error {
			logging.Info("metrics listener started", zap.String("address", a.metricsServer.Addr))
			if err := a.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics listener: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return a.metricsServer.Shutdown(shutdownCtx)
		})
	}
	return g.Wait()
}

func (a *App) maintain(ctx context.Context) {
	interval := a.Config().Maintenance.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep(ctx)
		}
	}
}

// Sweep drops expired nonces and rate windows and updates the gauges.
func (a *App) Sweep(ctx context.Context) {
	nonces := a.nonces.SweepExpired(ctx)
	windows := 0
	if a.limiter != nil {
		windows = a.limiter.SweepExpired()
		a.metrics.SetRateWindows(a.limiter.Len())
	}
	a.metrics.SetLiveNonces(a.nonces.Len())
	logging.Debug("sweep complete", zap.Int("nonces", nonces), zap.Int("windows", windows))
}

// Reload applies a changed configuration. The policy options are replaced
// and the policy re-applied; the other services keep their settings until
// restart.
func (a *App) Reload(ctx context.Context, cfg *config.Config) error {
	opts, err := policyOptions(cfg)
	if err != nil {
		return err
	}
	a.policy.Reconfigure(opts)
	if err := a.policy.ApplyPolicy(ctx); err != nil {
		return fmt.Errorf("apply policy: %w", err)
	}

	a.mu.Lock()
	a.cfg = cfg
	a.mu.Unlock()
	logging.Info("configuration reloaded", zap.String("environment", cfg.Environment))
	return nil
}

// Close releases the nonce store and the Redis client.
func (a *App) Close() error {
	a.nonces.Close()
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

// Config returns the configuration in effect.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Client returns the guarded HTTP client for API calls.
func (a *App) Client() *http.Client { return a.client }

func (a *App) Guard() *guard.Guard { return a.guard }

func (a *App) Tokens() *csrf.Store { return a.tokens }

func (a *App) Session() *session.Session { return a.session }

func (a *App) Policy() *csp.Builder { return a.policy }

func (a *App) Nonces() *nonce.Registry { return a.nonces }

func (a *App) Navigation() *navguard.Guard { return a.nav }

func (a *App) Document() platform.DocumentHead { return a.doc }

func (a *App) Metrics() *metrics.Collector { return a.metrics }

// Handler serves console pages through next. Responses carry the active
// policy, page loads pass the navigation gate, and violation reports posted
// to the report endpoint path are accepted.
func (a *App) Handler(next http.Handler) http.Handler {
	mux := http.NewServeMux()
	if p := a.Config().CSP.ReportEndpoint; p != "" {
		mux.Handle(p, a.policy.ReportHandler())
	}
	mux.Handle("/", a.nav.Middleware(next))
	return a.policy.Middleware(mux)
}

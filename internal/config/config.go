package config

import (
	"time"

	"github.com/wudi/consoleguard/internal/logging"
)

// Environment names.
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
)

// Config represents the complete console guard configuration
type Config struct {
	Environment   string            `yaml:"environment"`    // development (default) | production
	APIBaseURL    string            `yaml:"api_base_url"`   // base for relative request URLs and the token/report endpoints
	ConsoleOrigin string            `yaml:"console_origin"` // origin the console is served from ('self')
	APIVersion    string            `yaml:"api_version"`    // value of X-API-Version
	Logging       logging.Config    `yaml:"logging"`
	CSRF          CSRFConfig        `yaml:"csrf"`
	CSP           CSPConfig         `yaml:"csp"`
	Nonce         NonceConfig       `yaml:"nonce"`
	RateLimit     RateLimitConfig   `yaml:"rate_limit"`
	Guard         GuardConfig       `yaml:"guard"`
	Navigation    NavigationConfig  `yaml:"navigation"`
	Redis         RedisConfig       `yaml:"redis"`
	Metrics       MetricsConfig     `yaml:"metrics"`
	Maintenance   MaintenanceConfig `yaml:"maintenance"`
}

// IsProduction reports whether production-only behavior is on.
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// CSRFConfig defines the anti-forgery token transport.
type CSRFConfig struct {
	HeaderName     string        `yaml:"header_name"`     // default "X-CSRF-Token"
	CookieName     string        `yaml:"cookie_name"`     // default "XSRF-TOKEN"
	MetaName       string        `yaml:"meta_name"`       // default "csrf-token"
	TokenEndpoint  string        `yaml:"token_endpoint"`  // default "/api/csrf-token"
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`   // default 10s
	ClientFallback bool          `yaml:"client_fallback"` // adopt a client-generated token when the fetch fails
}

// CSPConfig defines the Content-Security-Policy builder settings.
type CSPConfig struct {
	ReportEndpoint string              `yaml:"report_endpoint"` // default "/api/security/csp-violation"
	ReportURI      string              `yaml:"report_uri"`      // optional report-uri clause
	ReportRate     float64             `yaml:"report_rate"`     // forwarded reports per second (default 1)
	ReportBurst    int                 `yaml:"report_burst"`    // default 5
	ExtraSources   map[string][]string `yaml:"extra_sources"`   // directive -> additional sources
}

// NonceConfig defines nonce registry settings.
type NonceConfig struct {
	TTL  time.Duration `yaml:"ttl"`  // default 1h
	Mode string        `yaml:"mode"` // "local" (default) | "distributed"
}

// RateLimitConfig defines the outbound sliding-window limiter.
type RateLimitConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Limit           int           `yaml:"limit"`            // default 60
	Window          time.Duration `yaml:"window"`           // default 60s
	SensitiveLimit  int           `yaml:"sensitive_limit"`  // default 10
	SensitiveWindow time.Duration `yaml:"sensitive_window"` // default 5m
	SensitivePaths  []string      `yaml:"sensitive_paths"`  // glob patterns on the normalized key
	Mode            string        `yaml:"mode"`             // "local" (default) | "distributed"
}

// GuardConfig defines the request interceptor.
type GuardConfig struct {
	MaxBodyBytes         int64         `yaml:"max_body_bytes"`         // default 10 MiB
	RetryDelay           time.Duration `yaml:"retry_delay"`            // default 1s
	Timeout              time.Duration `yaml:"timeout"`                // per-attempt client timeout, default 30s
	RejectInjectedParams *bool         `yaml:"reject_injected_params"` // default true
}

// RejectsInjectedParams returns the effective reject_injected_params value.
func (g GuardConfig) RejectsInjectedParams() bool {
	return g.RejectInjectedParams == nil || *g.RejectInjectedParams
}

// NavigationConfig defines the protected-route gate.
type NavigationConfig struct {
	LoginPath string `yaml:"login_path"` // default "/login"
}

// RedisConfig defines the shared Redis client for distributed modes.
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password" redact:"true"` // literal or ${env:NAME} / ${file:/path}
	DB       int    `yaml:"db"`
}

// MetricsConfig defines the Prometheus endpoint.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`   // e.g. ":9102"; empty disables the listener
	Namespace string `yaml:"namespace"` // default "consoleguard"
}

// MaintenanceConfig defines the sweep loop.
type MaintenanceConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"` // default 5m
}

// DefaultConfig returns a configuration with every default applied.
func DefaultConfig() *Config {
	return &Config{
		Environment:   EnvDevelopment,
		APIBaseURL:    "http://localhost:8080",
		ConsoleOrigin: "http://localhost:4200",
		APIVersion:    "v1",
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		CSRF: CSRFConfig{
			HeaderName:    "X-CSRF-Token",
			CookieName:    "XSRF-TOKEN",
			MetaName:      "csrf-token",
			TokenEndpoint: "/api/csrf-token",
			FetchTimeout:  10 * time.Second,
		},
		CSP: CSPConfig{
			ReportEndpoint: "/api/security/csp-violation",
			ReportRate:     1,
			ReportBurst:    5,
		},
		Nonce: NonceConfig{
			TTL:  time.Hour,
			Mode: "local",
		},
		RateLimit: RateLimitConfig{
			Enabled:         true,
			Limit:           60,
			Window:          60 * time.Second,
			SensitiveLimit:  10,
			SensitiveWindow: 5 * time.Minute,
			Mode:            "local",
		},
		Guard: GuardConfig{
			MaxBodyBytes: 10 << 20,
			RetryDelay:   time.Second,
			Timeout:      30 * time.Second,
		},
		Navigation: NavigationConfig{
			LoginPath: "/login",
		},
		Metrics: MetricsConfig{
			Namespace: "consoleguard",
		},
		Maintenance: MaintenanceConfig{
			SweepInterval: 5 * time.Minute,
		},
	}
}

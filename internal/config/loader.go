package config

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
	secrets    *SecretRegistry
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
		secrets:    NewSecretRegistry(),
	}
}

// Secrets returns the registry used to resolve ${scheme:ref} values.
func (l *Loader) Secrets() *SecretRegistry {
	return l.secrets
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := resolveSecretRefs(context.Background(), cfg, l.secrets); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// Validate checks configuration for errors
func Validate(cfg *Config) error {
	switch cfg.Environment {
	case EnvDevelopment, EnvProduction:
	default:
		return fmt.Errorf("invalid environment %q (want %q or %q)", cfg.Environment, EnvDevelopment, EnvProduction)
	}

	if err := validateOrigin("api_base_url", cfg.APIBaseURL, true); err != nil {
		return err
	}
	if err := validateOrigin("console_origin", cfg.ConsoleOrigin, false); err != nil {
		return err
	}

	if cfg.CSRF.HeaderName == "" || cfg.CSRF.CookieName == "" || cfg.CSRF.MetaName == "" {
		return fmt.Errorf("csrf: header_name, cookie_name and meta_name are required")
	}
	if !strings.HasPrefix(cfg.CSRF.TokenEndpoint, "/") {
		return fmt.Errorf("csrf: token_endpoint must be an absolute path, got %q", cfg.CSRF.TokenEndpoint)
	}

	if !strings.HasPrefix(cfg.CSP.ReportEndpoint, "/") {
		return fmt.Errorf("csp: report_endpoint must be an absolute path, got %q", cfg.CSP.ReportEndpoint)
	}
	if cfg.CSP.ReportRate < 0 || cfg.CSP.ReportBurst < 0 {
		return fmt.Errorf("csp: report_rate and report_burst must be >= 0")
	}

	if cfg.Nonce.TTL < 0 {
		return fmt.Errorf("nonce: ttl must be >= 0")
	}
	if err := validateMode("nonce", cfg.Nonce.Mode, cfg.Redis); err != nil {
		return err
	}

	rl := cfg.RateLimit
	if rl.Enabled {
		if rl.Limit <= 0 || rl.Window <= 0 {
			return fmt.Errorf("rate_limit: limit and window must be > 0")
		}
		if rl.SensitiveLimit <= 0 || rl.SensitiveWindow <= 0 {
			return fmt.Errorf("rate_limit: sensitive_limit and sensitive_window must be > 0")
		}
		for _, p := range rl.SensitivePaths {
			if _, err := glob.Compile(p, '/'); err != nil {
				return fmt.Errorf("rate_limit: invalid sensitive path pattern %q: %w", p, err)
			}
		}
		if err := validateMode("rate_limit", rl.Mode, cfg.Redis); err != nil {
			return err
		}
	}

	if cfg.Guard.MaxBodyBytes <= 0 {
		return fmt.Errorf("guard: max_body_bytes must be > 0")
	}
	if cfg.Guard.RetryDelay < 0 || cfg.Guard.Timeout < 0 {
		return fmt.Errorf("guard: retry_delay and timeout must be >= 0")
	}

	if !strings.HasPrefix(cfg.Navigation.LoginPath, "/") {
		return fmt.Errorf("navigation: login_path must be an absolute path, got %q", cfg.Navigation.LoginPath)
	}

	if cfg.Maintenance.SweepInterval <= 0 {
		return fmt.Errorf("maintenance: sweep_interval must be > 0")
	}

	return nil
}

func validateOrigin(field, raw string, allowPath bool) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s: scheme must be http or https, got %q", field, raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%s: host is required, got %q", field, raw)
	}
	if !allowPath && u.Path != "" && u.Path != "/" {
		return fmt.Errorf("%s: must be an origin without a path, got %q", field, raw)
	}
	return nil
}

func validateMode(section, mode string, redis RedisConfig) error {
	switch mode {
	case "", "local":
		return nil
	case "distributed":
		if redis.Address == "" {
			return fmt.Errorf("%s: distributed mode requires redis.address", section)
		}
		return nil
	}
	return fmt.Errorf("%s: invalid mode %q", section, mode)
}

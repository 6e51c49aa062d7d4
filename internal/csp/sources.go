package csp

import (
	"net"
	"net/url"
	"strings"

	"github.com/gobwas/glob"
)

// source is one parsed source expression of a directive.
type source struct {
	raw     string
	keyword string    // 'self', 'none' or another quoted keyword
	scheme  string    // scheme source ("https" for "https:"), or the scheme of a host source
	host    glob.Glob // host pattern; nil for keyword and scheme sources
	port    string    // "" (default port), "*" or a number
	path    string
}

// parsePolicy splits a policy into directive name -> sources.
func parsePolicy(policy string) map[string][]source {
	out := make(map[string][]source)
	for _, clause := range strings.Split(policy, ";") {
		fields := strings.Fields(clause)
		if len(fields) == 0 {
			continue
		}
		name := strings.ToLower(fields[0])
		if _, dup := out[name]; dup {
			continue // the first occurrence wins
		}
		sources := make([]source, 0, len(fields)-1)
		for _, f := range fields[1:] {
			if s, ok := parseSource(f); ok {
				sources = append(sources, s)
			}
		}
		out[name] = sources
	}
	return out
}

func parseSource(expr string) (source, bool) {
	s := source{raw: expr}
	lower := strings.ToLower(expr)

	if strings.HasPrefix(lower, "'") {
		s.keyword = lower
		return s, true
	}
	if strings.HasSuffix(lower, ":") && !strings.Contains(lower, "/") {
		s.scheme = strings.TrimSuffix(lower, ":")
		return s, true
	}

	rest := lower
	if i := strings.Index(rest, "://"); i >= 0 {
		s.scheme = rest[:i]
		rest = rest[i+3:]
	}
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		s.path = rest[i:]
		rest = rest[:i]
	}
	if i := strings.LastIndexByte(rest, ':'); i >= 0 {
		s.port = rest[i+1:]
		rest = rest[:i]
	}
	if rest == "" {
		return s, false
	}

	// '*' in a host source spans any number of labels.
	g, err := glob.Compile(rest)
	if err != nil {
		return s, false
	}
	s.host = g
	return s, true
}

// IsAllowedResource reports whether the active policy lets the page load
// rawURL under directive. A missing directive falls back to default-src.
// Before any policy is applied nothing is restricted.
func (b *Builder) IsAllowedResource(rawURL, directive string) bool {
	b.mu.RLock()
	parsed := b.parsed
	self := b.opts.SelfOrigin
	b.mu.RUnlock()

	if parsed == nil {
		return true
	}

	sources, ok := parsed[strings.ToLower(directive)]
	if !ok {
		if sources, ok = parsed["default-src"]; !ok {
			return true
		}
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if !u.IsAbs() {
		base, err := url.Parse(self)
		if err != nil || self == "" {
			return false
		}
		u = base.ResolveReference(u)
	}

	for _, s := range sources {
		if s.matches(u, self) {
			return true
		}
	}
	return false
}

func (s source) matches(u *url.URL, self string) bool {
	scheme := strings.ToLower(u.Scheme)

	switch {
	case s.keyword == "'self'":
		return self != "" && originOf(u) == self
	case s.keyword != "":
		// 'none', nonces, hashes and behavior keywords never match a URL
		return false
	case s.host == nil:
		return scheme == s.scheme
	}

	if s.raw == "*" {
		return isNetworkScheme(scheme)
	}
	if s.scheme != "" {
		if scheme != s.scheme && !(s.scheme == "http" && scheme == "https") && !(s.scheme == "ws" && scheme == "wss") {
			return false
		}
	} else if !isNetworkScheme(scheme) {
		return false
	}

	if !s.host.Match(strings.ToLower(u.Hostname())) {
		return false
	}

	switch s.port {
	case "*":
	case "":
		if p := u.Port(); p != "" && p != defaultPort(scheme) {
			return false
		}
	default:
		if portOf(u) != s.port {
			return false
		}
	}

	if s.path != "" {
		p := u.EscapedPath()
		if strings.HasSuffix(s.path, "/") {
			return strings.HasPrefix(p, s.path)
		}
		return p == s.path
	}
	return true
}

func originOf(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if port == "" || port == defaultPort(scheme) {
		if strings.Contains(host, ":") {
			host = "[" + host + "]"
		}
		return scheme + "://" + host
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}

func portOf(u *url.URL) string {
	if p := u.Port(); p != "" {
		return p
	}
	return defaultPort(strings.ToLower(u.Scheme))
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http", "ws":
		return "80"
	case "https", "wss":
		return "443"
	}
	return ""
}

func isNetworkScheme(scheme string) bool {
	switch scheme {
	case "http", "https", "ws", "wss":
		return true
	}
	return false
}

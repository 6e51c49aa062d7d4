package guard

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// DefaultBlockedRanges returns the loopback, private and link-local ranges
// an absolute request URL may not name.
func DefaultBlockedRanges() []string {
	return []string{
		"127.0.0.0/8",
		"10.0.0.0/8",
		"172.16.0.0/12",
		"192.168.0.0/16",
		"169.254.0.0/16",
		"0.0.0.0/8",
		"::1/128",
		"fc00::/7",
		"fe80::/10",
	}
}

// targetPolicy decides which URLs a guarded request may reach.
type targetPolicy struct {
	base    *url.URL
	blocked []*net.IPNet
}

func newTargetPolicy(baseURL string) (*targetPolicy, error) {
	blocked, err := parseCIDRs(DefaultBlockedRanges())
	if err != nil {
		return nil, fmt.Errorf("parse blocked ranges: %w", err)
	}
	tp := &targetPolicy{blocked: blocked}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil || u.Host == "" {
			return nil, fmt.Errorf("invalid base URL %q", baseURL)
		}
		tp.base = u
	}
	return tp, nil
}

// resolve returns the URL to dial. Relative URLs are resolved against the
// API base and always pass, as do absolute URLs on the API origin. Other
// absolute URLs must be http(s) and must not name a local or private host.
func (tp *targetPolicy) resolve(u *url.URL) (*url.URL, string) {
	if !u.IsAbs() && u.Host == "" {
		if tp.base == nil {
			return nil, "relative URL without a base URL"
		}
		return tp.base.ResolveReference(u), ""
	}

	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Sprintf("scheme %q is not allowed", u.Scheme)
	}
	if u.User != nil {
		return nil, "URL carries credentials"
	}
	if tp.base != nil && strings.EqualFold(u.Scheme, tp.base.Scheme) && strings.EqualFold(u.Host, tp.base.Host) {
		return u, ""
	}

	host := strings.ToLower(u.Hostname())
	if host == "" {
		return nil, "URL has no host"
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		return nil, fmt.Sprintf("host %q is local", host)
	}
	if ip := net.ParseIP(host); ip != nil && tp.isBlocked(ip) {
		return nil, fmt.Sprintf("host %s is a private or reserved address", host)
	}
	return u, ""
}

// isBlocked reports whether ip falls in a blocked range.
func (tp *targetPolicy) isBlocked(ip net.IP) bool {
	if ip.IsLinkLocalUnicast() {
		return true
	}
	for _, n := range tp.blocked {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// parseCIDRs parses a list of CIDR strings into net.IPNet pointers.
func parseCIDRs(cidrs []string) ([]*net.IPNet, error) {
	nets := make([]*net.IPNet, 0, len(cidrs))
	for _, cidr := range cidrs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("invalid CIDR %q: %w", cidr, err)
		}
		nets = append(nets, ipNet)
	}
	return nets, nil
}

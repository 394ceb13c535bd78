package ssrf

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// blockedHostnames contains hostnames that are always blocked.
var blockedHostnames = map[string]bool{
	"localhost":                true,
	"metadata.google.internal": true,
	"metadata":                 true,
}

// dangerousSuffixes contains hostname suffixes that indicate internal resources.
var dangerousSuffixes = []string{
	".localhost",
	".local",
	".internal",
}

// IsBlockedHostname checks explicit blocked names and internal suffixes.
func IsBlockedHostname(hostname string) bool {
	normalized := normalizeHostname(hostname)
	if normalized == "" {
		return false
	}
	if blockedHostnames[normalized] {
		return true
	}
	for _, suffix := range dangerousSuffixes {
		if strings.HasSuffix(normalized, suffix) {
			return true
		}
	}
	return false
}

// ValidateURL checks scheme and host of a raw URL without resolving DNS.
// Resolution is checked at dial time by Control.
func ValidateURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("invalid URL: %q", raw)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return nil, blocked(fmt.Sprintf("scheme %q is not allowed, only http and https", u.Scheme))
	}

	host := u.Hostname()
	if IsBlockedHostname(host) {
		return nil, blocked(fmt.Sprintf("host %s is blocked (local address)", host))
	}
	if IsPrivateIPAddress(host) {
		return nil, blocked(fmt.Sprintf("host %s is blocked (private network)", host))
	}
	return u, nil
}

// Control is a net.Dialer Control hook rejecting connections to private
// addresses after DNS resolution, which also covers redirects and rebinding.
func Control(network, address string, _ syscall.RawConn) error {
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return blocked(fmt.Sprintf("invalid dial address %q", address))
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return blocked(fmt.Sprintf("invalid dial address %q", address))
	}
	if IsPrivateAddr(addr.WithZone("")) {
		return blocked(fmt.Sprintf("connection to %s is blocked (private network)", host))
	}
	return nil
}

// NewDialer returns a dialer that enforces Control on every connection.
func NewDialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout:   timeout,
		KeepAlive: 30 * time.Second,
		Control:   Control,
	}
}

// DialContextFunc is the signature of http.Transport.DialContext.
type DialContextFunc func(ctx context.Context, network, address string) (net.Conn, error)

// SafeDialContext returns a DialContext func built on NewDialer.
func SafeDialContext(timeout time.Duration) DialContextFunc {
	return NewDialer(timeout).DialContext
}

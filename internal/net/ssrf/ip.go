package ssrf

import (
	"net/netip"
	"strings"
)

// extraBlockedPrefixes are ranges netip has no predicate for.
var extraBlockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),      // current network
	netip.MustParsePrefix("100.64.0.0/10"),  // carrier-grade NAT
	netip.MustParsePrefix("192.0.0.0/24"),   // IETF protocol assignments
	netip.MustParsePrefix("198.18.0.0/15"),  // benchmarking
	netip.MustParsePrefix("fec0::/10"),      // deprecated site-local
	netip.MustParsePrefix("64:ff9b:1::/48"), // local-use NAT64
}

// IsPrivateAddr reports whether addr is loopback, private, link-local,
// unspecified, multicast or otherwise not publicly routable. IPv4-mapped IPv6
// addresses are classified by their IPv4 form.
func IsPrivateAddr(addr netip.Addr) bool {
	if !addr.IsValid() {
		return true
	}
	addr = addr.Unmap()
	if addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() {
		return true
	}
	for _, p := range extraBlockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// IsPrivateIPAddress parses address (optionally bracketed or zoned) and
// classifies it. Strings that are not IP literals return false.
func IsPrivateIPAddress(address string) bool {
	normalized := normalizeHostname(address)
	if normalized == "" {
		return false
	}
	addr, err := netip.ParseAddr(normalized)
	if err != nil {
		return false
	}
	return IsPrivateAddr(addr.WithZone(""))
}

// normalizeHostname trims whitespace, lowercases, removes a trailing dot and
// unwraps IPv6 brackets.
func normalizeHostname(hostname string) string {
	normalized := strings.ToLower(strings.TrimSpace(hostname))
	normalized = strings.TrimSuffix(normalized, ".")
	if strings.HasPrefix(normalized, "[") && strings.HasSuffix(normalized, "]") {
		normalized = normalized[1 : len(normalized)-1]
	}
	return normalized
}

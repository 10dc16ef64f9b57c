package checkpoint

import (
	"net"
	"net/netip"
	"strings"
)

// UnknownIP is used when no address carrying a risk signal is available.
const UnknownIP = "unknown"

// ResolveIP picks the address forwarded to the decision service. An explicit
// client-supplied address wins over the transport peer. Loopback and
// unspecified addresses are skipped.
func ResolveIP(clientIP, peerIP string) string {
	for _, candidate := range []string{clientIP, peerIP} {
		addr, ok := parseAddr(candidate)
		if !ok {
			continue
		}
		if addr.IsLoopback() || addr.IsUnspecified() {
			continue
		}
		return addr.String()
	}
	return UnknownIP
}

func parseAddr(raw string) (netip.Addr, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, UnknownIP) {
		return netip.Addr{}, false
	}
	if host, _, err := net.SplitHostPort(raw); err == nil {
		raw = host
	}
	raw = strings.TrimSuffix(strings.TrimPrefix(raw, "["), "]")
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

// wireIP maps the sentinel to an absent address.
func wireIP(ip string) string {
	if ip == UnknownIP {
		return ""
	}
	return ip
}

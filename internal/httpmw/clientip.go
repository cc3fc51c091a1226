package httpmw

import (
	"context"
	"net/http"
	"net/netip"
	"strings"
)

type clientIPKey struct{}

// unknownClient is the identifier used when the peer address cannot be parsed.
// net/http always sets RemoteAddr, so this only shows up in tests and fuzzing.
const unknownClient = "0.0.0.0"

// ClientIPOptions configures client IP extraction behavior.
type ClientIPOptions struct {
	// TrustedHops is the number of trusted reverse proxies between the client
	// and this server. 0 = no proxies (X-Forwarded-For ignored), 1 = single ALB
	// (rightmost XFF entry), 2 = CDN + ALB (second from end), etc.
	TrustedHops int
}

// ClientIP stores the canonical client address in the request context.
// X-Forwarded-For is ignored, use ClientIPWithOptions when running behind a proxy.
func ClientIP(next http.Handler) http.Handler {
	return ClientIPWithOptions(ClientIPOptions{})(next)
}

// ClientIPWithOptions returns middleware that resolves the client address once per
// request. Everything downstream (block checks, rate limiting, event recording)
// keys on the value it stores, so the same client must always map to the same string.
func ClientIPWithOptions(opts ClientIPOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := extractRealClientAddr(r, opts.TrustedHops)
			next.ServeHTTP(w, r.WithContext(WithClientIP(r.Context(), ip)))
		})
	}
}

// CanonicalIP normalizes an address the way ClientIP does: IPv4-mapped IPv6 is
// unmapped and zones are dropped. ok is false when s is not an IP address.
func CanonicalIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return canonical(addr), true
}

func canonical(addr netip.Addr) string {
	return addr.Unmap().WithZone("").String()
}

// parsePeer accepts "host:port" or a bare address
func parsePeer(s string) (netip.Addr, bool) {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr(), true
	}
	if addr, err := netip.ParseAddr(s); err == nil {
		return addr, true
	}
	return netip.Addr{}, false
}

// dropForwarded clears forwarding headers so nothing downstream, including the
// upstream proxy, trusts values the client wrote itself.
func dropForwarded(r *http.Request) {
	r.Header.Del("X-Forwarded-For")
	r.Header.Del("X-Forwarded-Proto")
}

// extractRealClientAddr only trusts X-Forwarded-For when the peer is on a private
// network and trustedHops > 0. It then takes the Nth-from-end entry, failing closed
// to the peer address when the header has fewer entries than configured hops.
func extractRealClientAddr(r *http.Request, trustedHops int) string {
	if r.RemoteAddr == "" {
		return unknownClient
	}
	peer, ok := parsePeer(r.RemoteAddr)
	if !ok {
		dropForwarded(r)
		return unknownClient
	}
	peer = peer.Unmap()

	if !peer.IsPrivate() || trustedHops <= 0 {
		dropForwarded(r)
		return canonical(peer)
	}

	xf := r.Header.Get("X-Forwarded-For")
	if xf == "" {
		return canonical(peer)
	}
	parts := strings.Split(xf, ",")
	idx := len(parts) - trustedHops
	if idx < 0 {
		// fewer entries than proxies, misconfiguration or a forged header
		dropForwarded(r)
		return canonical(peer)
	}
	// some proxies append the source port
	if addr, ok := parsePeer(strings.TrimSpace(parts[idx])); ok {
		return canonical(addr)
	}
	return canonical(peer)
}

func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(clientIPKey{}).(string)
	return ip
}

func WithClientIP(ctx context.Context, ip string) context.Context {
	if ip == "" {
		return ctx
	}
	return context.WithValue(ctx, clientIPKey{}, ip)
}

package middleware

import (
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// ClientIPResolver finds the address of the party that opened the request
//
// X-Forwarded-For is honoured only when the connection comes from a trusted proxy. The header is
// then walked right to left and the first hop that is not a trusted proxy wins. A nil resolver
// trusts nobody and always returns the connection address.
type ClientIPResolver struct {
	trusted []netip.Prefix
}

// NewClientIPResolver parses proxy addresses or CIDRs, e.g. "10.0.0.0/8" or "127.0.0.1"
func NewClientIPResolver(trustedProxies []string) (*ClientIPResolver, error) {
	trusted := make([]netip.Prefix, 0, len(trustedProxies))
	for _, raw := range trustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}

		if strings.Contains(raw, "/") {
			prefix, err := netip.ParsePrefix(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
			}
			trusted = append(trusted, prefix.Masked())
			continue
		}

		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", raw, err)
		}
		addr = addr.Unmap()
		trusted = append(trusted, netip.PrefixFrom(addr, addr.BitLen()))
	}

	return &ClientIPResolver{trusted: trusted}, nil
}

func (c *ClientIPResolver) ClientIP(r *http.Request) string {
	remote := remoteIP(r)

	if c == nil || len(c.trusted) == 0 || !c.isTrusted(remote) {
		return remote
	}

	forwarded := r.Header.Values("X-Forwarded-For")
	if len(forwarded) == 0 {
		return remote
	}
	hops := strings.Split(strings.Join(forwarded, ","), ",")

	for i := len(hops) - 1; i >= 0; i-- {
		hop := strings.TrimSpace(hops[i])
		if _, err := netip.ParseAddr(hop); err != nil {
			// Garbage in the chain, nothing left of it can be believed
			return remote
		}
		if !c.isTrusted(hop) || i == 0 {
			return hop
		}
	}

	return remote
}

func (c *ClientIPResolver) isTrusted(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, prefix := range c.trusted {
		if prefix.Contains(addr) {
			return true
		}
	}
	return false
}

func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

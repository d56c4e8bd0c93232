// Package proxyfix rewrites client-identifying request fields from
// X-Forwarded headers when the request came through a trusted reverse proxy.
//
// Unlike fixes that trust a fixed number of proxy hops, this middleware
// trusts an explicit list of proxy addresses. Host, scheme and port are only
// rewritten when the directly connected peer is trusted. The client address
// comes from the forwarding chain, which is consulted even when the peer is
// untrusted: entries are checked from the nearest hop outward and the first
// one not belonging to a trusted proxy wins. The original values stay
// available in the gin context.
package proxyfix

import (
	"fmt"
	"net"
	"net/netip"
	"strings"

	"github.com/gin-gonic/gin"
)

// Context keys under which the pre-rewrite values are stored.
const (
	OrigRemoteAddrKey = "proxyfix.orig_remote_addr"
	OrigHostKey       = "proxyfix.orig_host"
	OrigSchemeKey     = "proxyfix.orig_scheme"
)

// Forwarding headers consumed by the middleware.
const (
	HeaderForwardedFor   = "X-Forwarded-For"
	HeaderForwardedProto = "X-Forwarded-Proto"
	HeaderForwardedHost  = "X-Forwarded-Host"
	HeaderForwardedPort  = "X-Forwarded-Port"
)

// ProxyFix holds the set of trusted proxy addresses.
type ProxyFix struct {
	trusted []netip.Prefix
}

// New creates a ProxyFix trusting the given addresses. Entries may be plain
// IPs or CIDR ranges.
func New(trusted []string) (*ProxyFix, error) {
	prefixes := make([]netip.Prefix, 0, len(trusted))
	for _, entry := range trusted {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err != nil {
				return nil, fmt.Errorf("parsing trusted proxy %q: %w", entry, err)
			}
			prefixes = append(prefixes, prefix)
			continue
		}
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("parsing trusted proxy %q: %w", entry, err)
		}
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return &ProxyFix{trusted: prefixes}, nil
}

// Trusted reports whether the address belongs to a trusted proxy.
func (p *ProxyFix) Trusted(addr string) bool {
	ip, err := netip.ParseAddr(strings.TrimSpace(addr))
	if err != nil {
		return false
	}
	ip = ip.Unmap()
	for _, prefix := range p.trusted {
		if prefix.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientAddr selects the client address from the forwarding chain. Proxies
// append to X-Forwarded-For, so entries are checked right to left, nearest
// hop first, with the directly connected peer as the chain's final entry.
// The first address not belonging to a trusted proxy wins, also when the
// peer itself is untrusted. Unparsable entries count as untrusted. If every
// entry is trusted the peer address is returned.
func (p *ProxyFix) ClientAddr(forwardedFor []string, peer string) string {
	chain := append([]string{peer}, forwardedFor...)
	for i := len(chain) - 1; i >= 0; i-- {
		addr := strings.TrimSpace(chain[i])
		if addr == "" {
			continue
		}
		if !p.Trusted(addr) {
			return addr
		}
	}
	return peer
}

// Handler returns the gin middleware.
func (p *ProxyFix) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		p.Update(c)
		c.Next()
	}
}

// Update rewrites the request in place according to the forwarding headers.
func (p *ProxyFix) Update(c *gin.Context) {
	req := c.Request
	peer, peerPort := splitHostPort(req.RemoteAddr)
	if peer == "" {
		return
	}

	scheme := "http"
	if req.TLS != nil {
		scheme = "https"
	}
	c.Set(OrigRemoteAddrKey, req.RemoteAddr)
	c.Set(OrigHostKey, req.Host)
	c.Set(OrigSchemeKey, scheme)

	if p.Trusted(peer) {
		if host := req.Header.Get(HeaderForwardedHost); host != "" {
			req.Host = host
		}
		if proto := req.Header.Get(HeaderForwardedProto); proto != "" {
			if strings.Contains(strings.ToLower(proto), "https") {
				req.URL.Scheme = "https"
			} else {
				req.URL.Scheme = "http"
			}
		}
		if port := req.Header.Get(HeaderForwardedPort); port != "" {
			host, _ := splitHostPort(req.Host)
			if host == "" {
				host = req.Host
			}
			req.Host = net.JoinHostPort(host, port)
		}
	}

	client := p.ClientAddr(splitForwarded(req.Header.Get(HeaderForwardedFor)), peer)
	if client != peer {
		// The original peer port is meaningless for a forwarded client.
		peerPort = "0"
	}
	req.RemoteAddr = net.JoinHostPort(client, peerPort)
}

func splitForwarded(header string) []string {
	if header == "" {
		return nil
	}
	return strings.Split(header, ",")
}

func splitHostPort(addr string) (host, port string) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr, "0"
	}
	return host, port
}

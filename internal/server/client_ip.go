package server

import (
	"fmt"
	"net"
	"net/http"
	"strings"
)

const (
	ipSourceRemoteAddr    = "remote_addr"
	ipSourceXForwardedFor = "x_forwarded_for"
	ipSourceXRealIP       = "x_real_ip"
)

// clientIPResolver decides which address identifies the client. Forwarding
// headers are only honoured when every proxy is trusted or the direct peer
// falls inside one of the trusted CIDRs.
type clientIPResolver struct {
	trustAll bool
	trusted  []*net.IPNet
}

func newClientIPResolver(cfg RateLimitConfig) (*clientIPResolver, error) {
	resolver := &clientIPResolver{trustAll: cfg.TrustForwardedHeaders}
	for _, raw := range cfg.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			if ip := net.ParseIP(raw); ip != nil && ip.To4() != nil {
				raw += "/32"
			} else {
				raw += "/128"
			}
		}
		_, network, err := net.ParseCIDR(raw)
		if err != nil {
			return nil, fmt.Errorf("parse trusted proxy %q: %w", raw, err)
		}
		resolver.trusted = append(resolver.trusted, network)
	}
	return resolver, nil
}

func (c *clientIPResolver) trustsPeer(peer string) bool {
	if c == nil {
		return false
	}
	if c.trustAll {
		return true
	}
	ip := net.ParseIP(peer)
	if ip == nil {
		return false
	}
	for _, network := range c.trusted {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIPFromRequest returns the client address and the header it came from.
func (c *clientIPResolver) ClientIPFromRequest(r *http.Request) (string, string) {
	peer := clientIP(r.RemoteAddr)
	if !c.trustsPeer(peer) {
		return peer, ipSourceRemoteAddr
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first, ipSourceXForwardedFor
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		return xrip, ipSourceXRealIP
	}
	return peer, ipSourceRemoteAddr
}

func resolveClientIP(r *http.Request, resolver *clientIPResolver) (string, string) {
	if resolver == nil {
		return clientIP(r.RemoteAddr), ipSourceRemoteAddr
	}
	return resolver.ClientIPFromRequest(r)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

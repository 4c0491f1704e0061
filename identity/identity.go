// Package identity derives the rate limit identifier of an HTTP request.
package identity

import (
	"context"
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// Kind says which part of the request an identifier came from.
type Kind string

const (
	KindPrincipal Kind = "principal"
	KindAPIKey    Kind = "api_key"
	KindIP        Kind = "ip"
)

// Principal is an authenticated caller, placed in the request context by
// whatever authentication layer runs before the rate limiter.
type Principal struct {
	ID string
	// Tier, when set, is the tier the authentication layer says the caller is on.
	Tier string
}

type principalKey struct{}

// WithPrincipal returns a context carrying p.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok && p.ID != ""
}

// Identity is the resolved identifier of a request.
type Identity struct {
	Identifier string
	Kind       Kind
	// Tier is the tier reported by the principal, if any.
	Tier string
}

// APIKeyValidator maps a presented API key to the id of the key it
// authenticates. It must never return the key itself as the id.
type APIKeyValidator func(key string) (keyID string, ok bool)

// Resolver picks the identifier in order: authenticated principal, validated
// API key, client address.
type Resolver struct {
	apiKeyHeader string
	validateKey  APIKeyValidator
	proxyDepth   int
}

// NewResolver returns a resolver that identifies callers by principal or
// address only and trusts no proxies. API keys are ignored until a validator
// is configured with WithAPIKeyValidator.
func NewResolver(opts ...func(*Resolver)) *Resolver {
	r := &Resolver{apiKeyHeader: "X-API-Key"}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithAPIKeyHeader sets the header holding the API key. An empty name disables keys.
// default: X-API-Key
func WithAPIKeyHeader(name string) func(*Resolver) {
	return func(r *Resolver) {
		r.apiKeyHeader = name
	}
}

// WithAPIKeyValidator enables API key identification. Requests whose key is
// rejected by v are identified by address, so unknown keys never open a
// window of their own.
func WithAPIKeyValidator(v APIKeyValidator) func(*Resolver) {
	return func(r *Resolver) {
		r.validateKey = v
	}
}

// WithTrustedProxyDepth sets how many reverse proxies append to
// X-Forwarded-For in front of the server. With depth n the client is the n-th
// address from the right; 0 ignores the header entirely.
func WithTrustedProxyDepth(n int) func(*Resolver) {
	return func(r *Resolver) {
		if n < 0 {
			n = 0
		}
		r.proxyDepth = n
	}
}

// Resolve returns the identity of req.
func (r *Resolver) Resolve(req *http.Request) Identity {
	if p, ok := PrincipalFrom(req.Context()); ok {
		return Identity{Identifier: "user:" + p.ID, Kind: KindPrincipal, Tier: p.Tier}
	}

	if r.apiKeyHeader != "" && r.validateKey != nil {
		if key := strings.TrimSpace(req.Header.Get(r.apiKeyHeader)); key != "" {
			if id, ok := r.validateKey(key); ok && id != "" {
				return Identity{Identifier: "key:" + id, Kind: KindAPIKey}
			}
		}
	}

	return Identity{Identifier: r.ClientIP(req), Kind: KindIP}
}

// ClientIP returns the client address, honouring X-Forwarded-For only as deep
// as the configured proxy count. Spoofed entries to the left of the trusted
// hops are never read; a chain shorter than the proxy count means the request
// bypassed a proxy, so the peer address is used.
func (r *Resolver) ClientIP(req *http.Request) string {
	remote := remoteAddr(req)
	if r.proxyDepth == 0 {
		return remote
	}

	var hops []string
	for _, v := range req.Header.Values("X-Forwarded-For") {
		for _, hop := range strings.Split(v, ",") {
			if hop = strings.TrimSpace(hop); hop != "" {
				hops = append(hops, hop)
			}
		}
	}
	if len(hops) == 0 {
		return remote
	}

	idx := len(hops) - r.proxyDepth
	if idx < 0 {
		return remote
	}
	addr, err := netip.ParseAddr(hops[idx])
	if err != nil {
		return remote
	}
	return addr.Unmap().String()
}

func remoteAddr(req *http.Request) string {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	if addr, err := netip.ParseAddr(host); err == nil {
		return addr.Unmap().String()
	}
	return host
}

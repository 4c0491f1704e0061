package identity_test

import (
	"net/http/httptest"
	"testing"

	"github.com/parkerroan/rategate/identity"
	"github.com/stretchr/testify/assert"
)

func TestResolver_ClientIP(t *testing.T) {
	testCases := []struct {
		description string
		depth       int
		remote      string
		xff         []string
		want        string
	}{
		{"no proxies ignores header", 0, "203.0.113.7:4000", []string{"1.1.1.1"}, "203.0.113.7"},
		{"one proxy takes rightmost", 1, "10.0.0.2:80", []string{"6.6.6.6, 198.51.100.4"}, "198.51.100.4"},
		{"two proxies", 2, "10.0.0.2:80", []string{"6.6.6.6, 198.51.100.4, 10.0.0.9"}, "198.51.100.4"},
		{"multiple header lines", 2, "10.0.0.2:80", []string{"6.6.6.6, 198.51.100.4", "10.0.0.9"}, "198.51.100.4"},
		{"chain shorter than depth uses remote", 5, "10.0.0.2:80", []string{"198.51.100.4, 10.0.0.9"}, "10.0.0.2"},
		{"exact depth reads leftmost", 2, "10.0.0.2:80", []string{"198.51.100.4, 10.0.0.9"}, "198.51.100.4"},
		{"garbage falls back to remote", 1, "10.0.0.2:80", []string{"not-an-ip"}, "10.0.0.2"},
		{"missing header falls back", 1, "10.0.0.2:80", nil, "10.0.0.2"},
		{"ipv6 remote", 0, "[2001:db8::1]:443", nil, "2001:db8::1"},
		{"mapped address is unmapped", 1, "10.0.0.2:80", []string{"::ffff:198.51.100.4"}, "198.51.100.4"},
	}

	for _, tc := range testCases {
		t.Run(tc.description, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tc.remote
			for _, v := range tc.xff {
				req.Header.Add("X-Forwarded-For", v)
			}

			r := identity.NewResolver(identity.WithTrustedProxyDepth(tc.depth))
			assert.Equal(t, tc.want, r.ClientIP(req))
		})
	}
}

func keyring(keys map[string]string) identity.APIKeyValidator {
	return func(key string) (string, bool) {
		id, ok := keys[key]
		return id, ok
	}
}

func TestResolver_Precedence(t *testing.T) {
	r := identity.NewResolver(identity.WithAPIKeyValidator(keyring(map[string]string{"abc123": "partner"})))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	assert.Equal(t, identity.Identity{Identifier: "203.0.113.7", Kind: identity.KindIP}, r.Resolve(req))

	req.Header.Set("X-API-Key", "abc123")
	assert.Equal(t, identity.Identity{Identifier: "key:partner", Kind: identity.KindAPIKey}, r.Resolve(req))

	req = req.WithContext(identity.WithPrincipal(req.Context(), identity.Principal{ID: "42", Tier: "pro"}))
	assert.Equal(t, identity.Identity{Identifier: "user:42", Kind: identity.KindPrincipal, Tier: "pro"}, r.Resolve(req))
}

func TestResolver_KeysIgnoredWithoutValidator(t *testing.T) {
	r := identity.NewResolver()

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	req.Header.Set("X-API-Key", "anything")

	assert.Equal(t, identity.Identity{Identifier: "203.0.113.7", Kind: identity.KindIP}, r.Resolve(req))
}

func TestResolver_RejectedKeyFallsBackToAddress(t *testing.T) {
	r := identity.NewResolver(identity.WithAPIKeyValidator(keyring(map[string]string{"good": "partner"})))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "203.0.113.7:4000"
	req.Header.Set("X-API-Key", "forged")

	assert.Equal(t, "203.0.113.7", r.Resolve(req).Identifier)
}

func TestResolver_CustomHeaderAndEmptyPrincipal(t *testing.T) {
	r := identity.NewResolver(
		identity.WithAPIKeyHeader("Authorization-Key"),
		identity.WithAPIKeyValidator(keyring(map[string]string{"k": "k-id", "ignored": "x"})),
	)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-API-Key", "ignored")
	req.Header.Set("Authorization-Key", "k")
	req = req.WithContext(identity.WithPrincipal(req.Context(), identity.Principal{}))

	assert.Equal(t, "key:k-id", r.Resolve(req).Identifier)

	disabled := identity.NewResolver(
		identity.WithAPIKeyHeader(""),
		identity.WithAPIKeyValidator(keyring(map[string]string{"k": "k-id"})),
	)
	assert.Equal(t, identity.KindIP, disabled.Resolve(req).Kind)
}

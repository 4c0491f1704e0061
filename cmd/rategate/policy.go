package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/parkerroan/rategate"
	"github.com/parkerroan/rategate/config"
)

// routeTable swaps the request-to-resource mapping on policy reload.
type routeTable struct {
	current atomic.Pointer[func(*http.Request) string]
}

func newRouteTable() *routeTable {
	t := &routeTable{}
	t.Set(nil)
	return t
}

func (t *routeTable) Set(prefixes map[string]string) {
	f := rategate.RouteResource(prefixes)
	t.current.Store(&f)
}

func (t *routeTable) Resource(r *http.Request) string {
	return (*t.current.Load())(r)
}

// keyTable authenticates API keys against the digests listed in the policy.
type keyTable struct {
	byDigest atomic.Pointer[map[string]string]
}

func newKeyTable() *keyTable {
	t := &keyTable{}
	t.Set(nil)
	return t
}

// Set installs ids keyed by hex SHA-256 digest.
func (t *keyTable) Set(ids map[string]string) {
	m := make(map[string]string, len(ids))
	for id, digest := range ids {
		m[strings.ToLower(digest)] = id
	}
	t.byDigest.Store(&m)
}

// Validate implements identity.APIKeyValidator.
func (t *keyTable) Validate(key string) (string, bool) {
	sum := sha256.Sum256([]byte(key))
	id, ok := (*t.byDigest.Load())[hex.EncodeToString(sum[:])]
	return id, ok
}

// apply installs p. Rules missing from p are removed; tiers are only added or
// replaced, since identifiers may still be assigned to them.
func (a *app) apply(p config.Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}

	keep := make(map[string]struct{}, len(p.Rules))
	for _, r := range p.Rules {
		if err := a.gate.SetRule(r); err != nil {
			return err
		}
		keep[r.Name] = struct{}{}
	}
	for _, name := range a.gate.RuleNames() {
		if _, ok := keep[name]; !ok {
			a.gate.DeleteRule(name)
		}
	}

	var errs []error
	for _, t := range p.Tiers {
		errs = append(errs, a.gate.PutTier(t))
	}
	errs = append(errs,
		a.gate.SetDefaultTier(p.DefaultTier),
		a.classifier.SetWhitelist(p.Whitelist),
		a.classifier.SetBlacklist(p.Blacklist),
	)
	if err := errors.Join(errs...); err != nil {
		return err
	}

	a.classifier.SetSensitiveResources(p.SensitiveResources)
	a.classifier.SetStrictTier(p.StrictTier)
	a.classifier.SetSuspicionTTL(p.SuspicionTTL)
	a.routes.Set(p.Routes)
	a.keys.Set(p.APIKeys)

	a.logger.Debug("policy applied",
		"rules", len(p.Rules),
		"tiers", len(p.Tiers),
		"routes", len(p.Routes),
		"api_keys", len(p.APIKeys),
	)
	return nil
}

// Package ipclass layers allow/deny lists and suspicion tracking over tier
// resolution.
package ipclass

import (
	"context"
	"sync"
	"time"

	"github.com/parkerroan/rategate/clock"
	"github.com/parkerroan/rategate/rule"
	"github.com/parkerroan/rategate/tier"
	"golang.org/x/exp/slog"
)

// DefaultSuspicionTTL is how long a suspicious mark lasts unless configured.
const DefaultSuspicionTTL = 24 * time.Hour

// Class is the classification of an identifier at a point in time.
type Class int

const (
	Normal Class = iota
	Whitelisted
	Blacklisted
	Suspicious
)

func (c Class) String() string {
	switch c {
	case Whitelisted:
		return "whitelisted"
	case Blacklisted:
		return "blacklisted"
	case Suspicious:
		return "suspicious"
	default:
		return "normal"
	}
}

// Suspicion records why and until when an identifier is treated as suspicious.
type Suspicion struct {
	Identifier  string
	Reason      string
	FirstSeenAt time.Time
	LastSeenAt  time.Time
	ExpiresAt   time.Time
	Count       int
}

// Classifier resolves rules like tier.Resolver, but denies blacklisted
// identifiers, grants whitelisted ones the most permissive tier rule and
// holds suspicious ones to the most restrictive. Suspicion is independent of
// rule blocks: clearing a block does not clear a mark.
type Classifier struct {
	resolver *tier.Resolver
	clock    clock.Clock
	logger   *slog.Logger

	mu         sync.RWMutex
	whitelist  *List
	blacklist  *List
	sensitive  map[string]struct{}
	strictTier string
	ttl        time.Duration
	suspicions map[string]*Suspicion
}

// Option configures a Classifier.
type Option func(*Classifier) error

// NewClassifier wraps resolver.
func NewClassifier(resolver *tier.Resolver, opts ...Option) (*Classifier, error) {
	c := &Classifier{
		resolver:   resolver,
		clock:      clock.System(),
		logger:     slog.Default(),
		sensitive:  make(map[string]struct{}),
		ttl:        DefaultSuspicionTTL,
		suspicions: make(map[string]*Suspicion),
	}
	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func WithWhitelist(entries ...string) Option {
	return func(c *Classifier) error {
		return c.SetWhitelist(entries)
	}
}

func WithBlacklist(entries ...string) Option {
	return func(c *Classifier) error {
		return c.SetBlacklist(entries)
	}
}

// WithSensitiveResources lists the resources whose violations mark the
// violator as suspicious.
func WithSensitiveResources(resources ...string) Option {
	return func(c *Classifier) error {
		c.SetSensitiveResources(resources)
		return nil
	}
}

// WithSuspicionTTL overrides DefaultSuspicionTTL.
func WithSuspicionTTL(d time.Duration) Option {
	return func(c *Classifier) error {
		c.SetSuspicionTTL(d)
		return nil
	}
}

// WithStrictTier makes suspicious identifiers use the named tier instead of the
// most restrictive rule across all tiers.
func WithStrictTier(name string) Option {
	return func(c *Classifier) error {
		c.SetStrictTier(name)
		return nil
	}
}

func WithClock(clk clock.Clock) Option {
	return func(c *Classifier) error {
		c.clock = clk
		return nil
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Classifier) error {
		c.logger = logger
		return nil
	}
}

// SetWhitelist atomically replaces the whitelist.
func (c *Classifier) SetWhitelist(entries []string) error {
	l, err := ParseList(entries)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.whitelist = l
	c.mu.Unlock()
	return nil
}

// SetBlacklist atomically replaces the blacklist.
func (c *Classifier) SetBlacklist(entries []string) error {
	l, err := ParseList(entries)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.blacklist = l
	c.mu.Unlock()
	return nil
}

func (c *Classifier) SetSensitiveResources(resources []string) {
	set := make(map[string]struct{}, len(resources))
	for _, r := range resources {
		set[r] = struct{}{}
	}
	c.mu.Lock()
	c.sensitive = set
	c.mu.Unlock()
}

// SetStrictTier changes the tier used for suspicious identifiers. An empty name
// selects the most restrictive rule across all tiers.
func (c *Classifier) SetStrictTier(name string) {
	c.mu.Lock()
	c.strictTier = name
	c.mu.Unlock()
}

// SetSuspicionTTL changes the lifetime of new and extended marks. Non-positive
// values restore DefaultSuspicionTTL.
func (c *Classifier) SetSuspicionTTL(d time.Duration) {
	if d <= 0 {
		d = DefaultSuspicionTTL
	}
	c.mu.Lock()
	c.ttl = d
	c.mu.Unlock()
}

// Classify returns the current class of identifier. The blacklist wins over the
// whitelist, and both win over suspicion.
func (c *Classifier) Classify(identifier string) Class {
	now := c.clock.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	switch {
	case c.blacklist.Contains(identifier):
		return Blacklisted
	case c.whitelist.Contains(identifier):
		return Whitelisted
	}
	if s, ok := c.suspicions[identifier]; ok && now.Before(s.ExpiresAt) {
		return Suspicious
	}
	return Normal
}

// Resolve implements the gate's policy contract.
func (c *Classifier) Resolve(ctx context.Context, identifier, resource string) (tier.Resolution, error) {
	switch c.Classify(identifier) {
	case Blacklisted:
		return tier.Resolution{
			Denied: true,
			Rule:   rule.Rule{Name: resource, Limit: 0, Window: time.Second},
		}, nil

	case Whitelisted:
		if res, ok := c.resolver.MostPermissive(resource); ok {
			return res, nil
		}

	case Suspicious:
		if res, ok := c.strictResolution(resource); ok {
			return res, nil
		}
	}
	return c.resolver.Resolve(ctx, identifier, resource)
}

func (c *Classifier) strictResolution(resource string) (tier.Resolution, bool) {
	c.mu.RLock()
	strict := c.strictTier
	c.mu.RUnlock()

	if strict != "" {
		if t, ok := c.resolver.Tier(strict); ok {
			if r, ok := t.Limits[resource]; ok {
				return tier.Resolution{Tier: t.Name, Rule: r}, true
			}
		}
	}
	return c.resolver.MostRestrictive(resource)
}

// MarkSuspicious marks identifier suspicious for the configured TTL, extending
// an existing mark.
func (c *Classifier) MarkSuspicious(identifier, reason string) Suspicion {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.suspicions[identifier]
	if !ok || !now.Before(s.ExpiresAt) {
		s = &Suspicion{Identifier: identifier, FirstSeenAt: now}
		c.suspicions[identifier] = s
	}
	s.Reason = reason
	s.LastSeenAt = now
	s.ExpiresAt = now.Add(c.ttl)
	s.Count++

	return *s
}

// Suspicion returns the active mark for identifier.
func (c *Classifier) Suspicion(identifier string) (Suspicion, bool) {
	now := c.clock.Now()

	c.mu.RLock()
	defer c.mu.RUnlock()

	s, ok := c.suspicions[identifier]
	if !ok || !now.Before(s.ExpiresAt) {
		return Suspicion{}, false
	}
	return *s, true
}

func (c *Classifier) ClearSuspicion(identifier string) {
	c.mu.Lock()
	delete(c.suspicions, identifier)
	c.mu.Unlock()
}

// OnViolation marks the identifier when the violated resource is sensitive.
func (c *Classifier) OnViolation(identifier, resource string) {
	c.mu.RLock()
	_, sensitive := c.sensitive[resource]
	c.mu.RUnlock()

	if !sensitive {
		return
	}

	s := c.MarkSuspicious(identifier, "violated "+resource)
	c.logger.Info("identifier marked suspicious",
		slog.String("identifier", identifier),
		slog.String("resource", resource),
		slog.Int("count", s.Count),
		slog.Time("expires_at", s.ExpiresAt),
	)
}

// OnRemoteViolation applies violations observed by other processes.
func (c *Classifier) OnRemoteViolation(identifier, resource string) {
	c.OnViolation(identifier, resource)
}

// Sweep drops expired marks and returns how many were removed.
func (c *Classifier) Sweep(now time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for id, s := range c.suspicions {
		if !now.Before(s.ExpiresAt) {
			delete(c.suspicions, id)
			removed++
		}
	}
	return removed
}

package tier

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/parkerroan/rategate/rule"
)

// Resolver picks the rule for an identifier and resource. Lookup order is the
// identifier's tier, then the default tier, then the fallback rule source keyed
// by resource name.
type Resolver struct {
	mu          sync.RWMutex
	tiers       map[string]Tier
	defaultTier string

	assignments Assignments
	fallback    rule.Source
}

// NewResolver returns a resolver with in-memory assignments and no tiers.
func NewResolver(opts ...func(*Resolver)) (*Resolver, error) {
	r := &Resolver{
		tiers:       make(map[string]Tier),
		assignments: NewMemoryAssignments(),
	}
	for _, opt := range opts {
		opt(r)
	}

	for name, t := range r.tiers {
		nt, err := t.normalize()
		if err != nil {
			return nil, err
		}
		r.tiers[name] = nt
	}
	if r.defaultTier != "" {
		if _, ok := r.tiers[r.defaultTier]; !ok {
			return nil, fmt.Errorf("%w: default tier %q", ErrUnknownTier, r.defaultTier)
		}
	}
	return r, nil
}

// WithTiers registers tiers at construction.
func WithTiers(tiers ...Tier) func(*Resolver) {
	return func(r *Resolver) {
		for _, t := range tiers {
			r.tiers[t.Name] = t
		}
	}
}

// WithDefaultTier names the tier used for identifiers without an assignment.
func WithDefaultTier(name string) func(*Resolver) {
	return func(r *Resolver) {
		r.defaultTier = name
	}
}

// WithAssignments replaces the in-memory assignment store.
func WithAssignments(a Assignments) func(*Resolver) {
	return func(r *Resolver) {
		r.assignments = a
	}
}

// WithFallback sets the source consulted when no tier defines the resource.
func WithFallback(src rule.Source) func(*Resolver) {
	return func(r *Resolver) {
		r.fallback = src
	}
}

// PutTier adds or atomically replaces a tier.
func (r *Resolver) PutTier(t Tier) error {
	nt, err := t.normalize()
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.tiers[nt.Name] = nt
	r.mu.Unlock()
	return nil
}

// SetDefaultTier changes the default tier. An empty name disables it.
func (r *Resolver) SetDefaultTier(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.tiers[name]; name != "" && !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, name)
	}
	r.defaultTier = name
	return nil
}

// Tier returns a configured tier by name.
func (r *Resolver) Tier(name string) (Tier, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tiers[name]
	return t, ok
}

// TierNames returns the configured tier names in sorted order.
func (r *Resolver) TierNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.tiers))
	for name := range r.tiers {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}

// GetTier returns the identifier's tier, or the default tier when it has none.
func (r *Resolver) GetTier(ctx context.Context, identifier string) (string, error) {
	name, ok, err := r.assignments.Get(ctx, identifier)
	if err != nil {
		return "", err
	}
	if ok {
		return name, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaultTier, nil
}

// SetTier assigns identifier to a configured tier. The last assignment wins.
func (r *Resolver) SetTier(ctx context.Context, identifier, tierName string) error {
	if _, ok := r.Tier(tierName); !ok {
		return fmt.Errorf("%w: %q", ErrUnknownTier, tierName)
	}
	return r.assignments.Set(ctx, identifier, tierName)
}

// Resolve returns the rule that applies to identifier on resource.
func (r *Resolver) Resolve(ctx context.Context, identifier, resource string) (Resolution, error) {
	name, err := r.GetTier(ctx, identifier)
	if err != nil {
		return Resolution{}, err
	}

	r.mu.RLock()
	res, ok := r.lookup(name, resource)
	if !ok && name != r.defaultTier {
		res, ok = r.lookup(r.defaultTier, resource)
	}
	r.mu.RUnlock()

	if ok {
		return res, nil
	}
	return r.resolveFallback(resource)
}

func (r *Resolver) lookup(tierName, resource string) (Resolution, bool) {
	t, ok := r.tiers[tierName]
	if !ok {
		return Resolution{}, false
	}
	ru, ok := t.Limits[resource]
	if !ok {
		return Resolution{}, false
	}
	return Resolution{Tier: t.Name, Rule: ru}, true
}

func (r *Resolver) resolveFallback(resource string) (Resolution, error) {
	if r.fallback == nil {
		return Resolution{}, fmt.Errorf("%w: no rule for resource %q", rule.ErrNotFound, resource)
	}

	ru, err := r.fallback.Get(resource)
	if errors.Is(err, rule.ErrNotFound) {
		return Resolution{}, fmt.Errorf("%w: no rule for resource %q", rule.ErrNotFound, resource)
	}
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{Rule: ru}, nil
}

// MostPermissive returns the loosest rule any tier defines for resource.
func (r *Resolver) MostPermissive(resource string) (Resolution, bool) {
	return r.rank(resource, func(a, b float64) bool { return a > b })
}

// MostRestrictive returns the strictest rule any tier defines for resource.
func (r *Resolver) MostRestrictive(resource string) (Resolution, bool) {
	return r.rank(resource, func(a, b float64) bool { return a < b })
}

func (r *Resolver) rank(resource string, better func(a, b float64) bool) (Resolution, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var (
		best  Resolution
		score float64
		found bool
	)
	// Iterate in name order so ties resolve the same way every time.
	names := make([]string, 0, len(r.tiers))
	for name := range r.tiers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		ru, ok := r.tiers[name].Limits[resource]
		if !ok {
			continue
		}
		s := permissiveness(ru)
		if !found || better(s, score) {
			best, score, found = Resolution{Tier: name, Rule: ru}, s, true
		}
	}
	return best, found
}

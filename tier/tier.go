// Package tier maps identifiers to named tiers and resolves the rule that
// applies to an (identifier, resource) pair.
package tier

import (
	"errors"
	"fmt"
	"math"

	"github.com/parkerroan/rategate/rule"
)

// ErrUnknownTier is returned when assigning or reading a tier that is not configured.
var ErrUnknownTier = errors.New("unknown tier")

// Tier is a named set of per-resource rules.
type Tier struct {
	Name   string               `yaml:"name"`
	Limits map[string]rule.Rule `yaml:"limits"`
}

// normalize validates the tier and returns a copy whose rules are named after
// their resource when no explicit name was given.
func (t Tier) normalize() (Tier, error) {
	if t.Name == "" {
		return Tier{}, fmt.Errorf("%w: tier name is required", rule.ErrInvalid)
	}

	out := Tier{Name: t.Name, Limits: make(map[string]rule.Rule, len(t.Limits))}
	for resource, r := range t.Limits {
		if r.Name == "" {
			r.Name = resource
		}
		if err := r.Validate(); err != nil {
			return Tier{}, fmt.Errorf("tier %s resource %s: %w", t.Name, resource, err)
		}
		out.Limits[resource] = r
	}
	return out, nil
}

// Resolution is the rule selected for a request together with the tier that
// supplied it. Tier is empty when the rule came from the fallback source.
type Resolution struct {
	Tier string
	Rule rule.Rule
	// Denied is set when the identifier may not use the resource at all.
	Denied bool
}

// permissiveness orders rules from most restrictive to least: unlimited ranks
// above any finite rule, finite rules compare by allowed rate.
func permissiveness(r rule.Rule) float64 {
	if r.Unlimited() {
		return math.Inf(1)
	}
	return float64(r.Limit) / r.Window.Seconds()
}

// Validate checks the tier name and every rule in it.
func (t Tier) Validate() error {
	_, err := t.normalize()
	return err
}

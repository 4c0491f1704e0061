package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"time"

	"github.com/parkerroan/rategate/rule"
	"github.com/parkerroan/rategate/tier"
	"gopkg.in/yaml.v3"
)

// Policy is the declarative rate limit setup. Durations are Go duration strings.
//
//	rules:
//	  - name: login
//	    limit: 5
//	    window: 1m
//	    block_duration: 15m
//	tiers:
//	  - name: free
//	    limits:
//	      search: {limit: 10, window: 1m}
//	default_tier: free
//	routes:
//	  /api/search: search
//	blacklist: [192.0.2.0/24]
//	api_keys:
//	  partner: 9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08
type Policy struct {
	Rules       []rule.Rule `yaml:"rules"`
	Tiers       []tier.Tier `yaml:"tiers"`
	DefaultTier string      `yaml:"default_tier"`

	// Routes maps request path prefixes to resource names.
	Routes map[string]string `yaml:"routes"`

	Whitelist          []string      `yaml:"whitelist"`
	Blacklist          []string      `yaml:"blacklist"`
	SensitiveResources []string      `yaml:"sensitive_resources"`
	StrictTier         string        `yaml:"strict_tier"`
	SuspicionTTL       time.Duration `yaml:"suspicion_ttl"`

	// APIKeys maps key ids to the hex SHA-256 digest of the key. Requests
	// presenting a listed key are limited as "key:<id>".
	APIKeys map[string]string `yaml:"api_keys"`
}

// LoadPolicy reads and validates the policy file at path.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("read policy %s: %w", path, err)
	}
	p, err := ParsePolicy(data)
	if err != nil {
		return Policy{}, fmt.Errorf("policy %s: %w", path, err)
	}
	return p, nil
}

// ParsePolicy decodes and validates a YAML policy.
func ParsePolicy(data []byte) (Policy, error) {
	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Policy{}, fmt.Errorf("decode: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// Validate checks rules and tier references.
func (p Policy) Validate() error {
	seen := make(map[string]bool, len(p.Rules))
	for _, r := range p.Rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: duplicate rule %q", rule.ErrInvalid, r.Name)
		}
		seen[r.Name] = true
	}

	tiers := make(map[string]bool, len(p.Tiers))
	for _, t := range p.Tiers {
		if err := t.Validate(); err != nil {
			return err
		}
		if tiers[t.Name] {
			return fmt.Errorf("%w: duplicate tier %q", rule.ErrInvalid, t.Name)
		}
		tiers[t.Name] = true
	}

	for _, ref := range []string{p.DefaultTier, p.StrictTier} {
		if ref != "" && !tiers[ref] {
			return fmt.Errorf("%w: %q", tier.ErrUnknownTier, ref)
		}
	}
	for id, digest := range p.APIKeys {
		if id == "" {
			return fmt.Errorf("%w: api key id is required", rule.ErrInvalid)
		}
		if b, err := hex.DecodeString(digest); err != nil || len(b) != sha256.Size {
			return fmt.Errorf("%w: api key %q: digest must be hex sha256", rule.ErrInvalid, id)
		}
	}
	if p.SuspicionTTL < 0 {
		return fmt.Errorf("%w: suspicion_ttl must be >= 0", rule.ErrInvalid)
	}
	return nil
}

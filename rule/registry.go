package rule

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a concurrency safe set of named rules. Rules are stored by value, so
// a reader always gets either the old or the new version of a rule, never a mix.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRegistry returns a registry holding the given rules.
func NewRegistry(rules ...Rule) (*Registry, error) {
	reg := &Registry{rules: make(map[string]Rule, len(rules))}
	for _, r := range rules {
		if err := reg.Set(r); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Set validates r and replaces any rule with the same name.
func (reg *Registry) Set(r Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}

	reg.mu.Lock()
	reg.rules[r.Name] = r
	reg.mu.Unlock()
	return nil
}

// Get returns the rule called name or an error wrapping ErrNotFound.
func (reg *Registry) Get(name string) (Rule, error) {
	reg.mu.RLock()
	r, ok := reg.rules[name]
	reg.mu.RUnlock()

	if !ok {
		return Rule{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return r, nil
}

// Delete removes a rule. Deleting an unknown name is a no-op.
func (reg *Registry) Delete(name string) {
	reg.mu.Lock()
	delete(reg.rules, name)
	reg.mu.Unlock()
}

// Names returns the registered rule names in sorted order.
func (reg *Registry) Names() []string {
	reg.mu.RLock()
	names := make([]string, 0, len(reg.rules))
	for name := range reg.rules {
		names = append(names, name)
	}
	reg.mu.RUnlock()

	sort.Strings(names)
	return names
}

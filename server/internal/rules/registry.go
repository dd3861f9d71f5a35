package rules

import (
	"errors"
	"fmt"
	"sync"
)

// Registry is an ordered, append-only set of rules keyed by ID.
// Registry is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	rules []Rule
	index map[string]int
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Register adds rule. Registering a rule whose Definition equals the one
// already stored under the same ID is a no-op; any other clash returns a
// *DuplicateRuleError.
func (r *Registry) Register(rule Rule) error {
	if rule == nil {
		return errors.New("rules: register nil rule")
	}
	def := rule.Definition()
	if def.ID == "" {
		return errors.New("rules: rule id is required")
	}
	if !def.Severity.Valid() {
		return fmt.Errorf("rules: %s: invalid severity %d", def.ID, int(def.Severity))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if i, ok := r.index[def.ID]; ok {
		if r.rules[i].Definition() == def {
			return nil
		}
		return &DuplicateRuleError{RuleID: def.ID}
	}
	r.index[def.ID] = len(r.rules)
	r.rules = append(r.rules, rule)
	return nil
}

// All returns the registered rules in insertion order.
func (r *Registry) All() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, len(r.rules))
	copy(out, r.rules)
	return out
}

// Get returns the rule registered under id.
func (r *Registry) Get(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[id]
	if !ok {
		return nil, false
	}
	return r.rules[i], true
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// Definitions returns the definitions of all rules in insertion order.
func (r *Registry) Definitions() []Definition {
	all := r.All()
	out := make([]Definition, len(all))
	for i, rule := range all {
		out[i] = rule.Definition()
	}
	return out
}

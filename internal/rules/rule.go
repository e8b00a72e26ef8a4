// Package rules defines the compliance rule contract, the rule registry and
// the engine that evaluates rules against a sealed inventory.
package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/yairfalse/posture/internal/inventory"
	"github.com/yairfalse/posture/pkg/compliance"
	"github.com/yairfalse/posture/pkg/resource"
)

// ErrDuplicateRule is returned when two rules share an identifier.
var ErrDuplicateRule = errors.New("duplicate rule id")

// Metadata is the static description of a rule.
type Metadata struct {
	ID          string
	Version     int
	Title       string
	Description string
	Severity    compliance.Severity
	Remediation string
}

// Verdict is what a rule predicate decides.
type Verdict struct {
	Status   compliance.Status
	Evidence string
	Affected []string
}

// Rule is a named predicate over one or more inventory kinds.
// Evaluate is only called when every kind in Requires is present in the snapshot.
// It must not depend on the wall clock.
type Rule interface {
	Meta() Metadata
	Requires() []resource.Kind
	Evaluate(ctx context.Context, inv inventory.Snapshot) (Verdict, error)
}

// Registry holds the rule set. Rules are registered at process start and
// only read afterwards.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register adds a rule. Duplicate identifiers are rejected.
func (r *Registry) Register(rule Rule) error {
	id := rule.Meta().ID
	if id == "" {
		return errors.New("register rule: empty id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.rules[id]; exists {
		return fmt.Errorf("register rule %s: %w", id, ErrDuplicateRule)
	}
	r.rules[id] = rule
	return nil
}

// MustRegister registers rules and panics on the first error.
func (r *Registry) MustRegister(rules ...Rule) {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			panic(err)
		}
	}
}

// Get returns a rule by id.
func (r *Registry) Get(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	return rule, ok
}

// Rules returns every rule ordered by id.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Meta().ID < out[j].Meta().ID })
	return out
}

// Len returns the number of registered rules.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rules)
}

// RequiredKinds returns the union of kinds the registered rules depend on.
func (r *Registry) RequiredKinds() []resource.Kind {
	seen := make(map[resource.Kind]bool)
	var out []resource.Kind
	for _, rule := range r.Rules() {
		for _, k := range rule.Requires() {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

var defaultRegistry = newDefaultRegistry()

func newDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(
		NewBucketExposureRule(),
		BucketEncryptionRule{},
		RootMFARule{},
		AuditTrailRule{},
		NetworkExposureRule{},
		DatabaseExposureRule{},
		KeyRotationRule{},
	)
	return r
}

// Default returns the process-wide rule set.
func Default() *Registry {
	return defaultRegistry
}

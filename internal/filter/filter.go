// Package filter controls which resource kinds and resources a scan covers.
//
// An excluded kind is never discovered, so rules depending on it report
// WARNING. An excluded resource is dropped from its kind's inventory before
// the rules see it.
package filter

import (
	"context"
	"errors"
	"fmt"

	"github.com/yairfalse/posture/internal/plugin"
	"github.com/yairfalse/posture/pkg/resource"
)

// Filter controls which resource kinds to scan and which resources to include.
type Filter struct {
	excludeKinds map[resource.Kind]bool
	excludeKeys  map[resource.Kind]map[string]bool
}

// New creates a Filter. Unknown kind names are an error.
func New(excludeKinds []string, excludeKeys map[string][]string) (*Filter, error) {
	f := &Filter{
		excludeKinds: make(map[resource.Kind]bool),
		excludeKeys:  make(map[resource.Kind]map[string]bool),
	}
	for _, name := range excludeKinds {
		kind, err := resource.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("exclude kinds: %w", err)
		}
		f.excludeKinds[kind] = true
	}
	for name, keys := range excludeKeys {
		kind, err := resource.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("exclude resources: %w", err)
		}
		set := make(map[string]bool, len(keys))
		for _, k := range keys {
			set[k] = true
		}
		f.excludeKeys[kind] = set
	}
	return f, nil
}

// ShouldScanKind returns true if the given resource kind should be discovered.
func (f *Filter) ShouldScanKind(kind resource.Kind) bool {
	return !f.excludeKinds[kind]
}

// ShouldInclude returns true if the record passes the key filter.
func (f *Filter) ShouldInclude(r resource.Record) bool {
	return !f.excludeKeys[r.Kind()][r.Key()]
}

// FilterRecords returns only records that pass the filter.
func (f *Filter) FilterRecords(records []resource.Record) []resource.Record {
	if len(f.excludeKeys) == 0 {
		return records
	}

	filtered := make([]resource.Record, 0, len(records))
	for _, r := range records {
		if f.ShouldInclude(r) {
			filtered = append(filtered, r)
		}
	}
	return filtered
}

// Apply removes excluded kinds from reg and wraps the remaining providers so
// excluded resources never reach the inventory.
func (f *Filter) Apply(reg *plugin.Registry) {
	for _, kind := range reg.Kinds() {
		if !f.ShouldScanKind(kind) {
			reg.Remove(kind)
			continue
		}
		if len(f.excludeKeys[kind]) == 0 {
			continue
		}
		p, _ := reg.Get(kind)
		reg.Register(plugin.Func{K: kind, Fn: func(ctx context.Context) ([]resource.Record, error) {
			records, err := p.Discover(ctx)
			var partial *plugin.PartialError
			if err != nil && !errors.As(err, &partial) {
				return nil, err
			}
			filtered := f.FilterRecords(records)
			if partial == nil {
				return filtered, nil
			}
			for key := range partial.Failures {
				if f.excludeKeys[kind][key] {
					delete(partial.Failures, key)
				}
			}
			return filtered, partial.Err()
		}})
	}
}

// IsEmpty returns true if no filters are configured.
func (f *Filter) IsEmpty() bool {
	return len(f.excludeKinds) == 0 && len(f.excludeKeys) == 0
}

package emitter

import (
	"sort"
	"sync"

	"github.com/yairfalse/posture/pkg/compliance"
)

// Transition is a rule whose verdict changed between two scans.
type Transition struct {
	RuleID   string
	Severity compliance.Severity
	From     compliance.Status // empty when the rule is new
	To       compliance.Status // empty when the rule disappeared
}

// Regressed reports whether the rule moved into FAIL.
func (t Transition) Regressed() bool {
	return t.To == compliance.StatusFail && t.From != compliance.StatusFail
}

// TransitionTracker remembers the last verdict per rule and detects changes.
type TransitionTracker struct {
	mu          sync.RWMutex
	previous    map[string]compliance.CheckResult
	initialized bool
}

// NewTransitionTracker creates a new transition tracker.
func NewTransitionTracker() *TransitionTracker {
	return &TransitionTracker{
		previous: make(map[string]compliance.CheckResult),
	}
}

// Compute compares results against the previous scan's verdicts.
// Returns nil on the first scan (baseline establishment).
// Returns an empty slice if no verdict changed. Transitions are ordered by rule id.
func (d *TransitionTracker) Compute(current []compliance.CheckResult) []Transition {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.initialized {
		return nil
	}

	currentMap := indexResults(current)
	transitions := make([]Transition, 0)

	for id, prev := range d.previous {
		curr, ok := currentMap[id]
		switch {
		case !ok:
			transitions = append(transitions, Transition{RuleID: id, Severity: prev.Severity, From: prev.Status})
		case curr.Status != prev.Status:
			transitions = append(transitions, Transition{RuleID: id, Severity: curr.Severity, From: prev.Status, To: curr.Status})
		}
	}
	for id, curr := range currentMap {
		if _, ok := d.previous[id]; !ok {
			transitions = append(transitions, Transition{RuleID: id, Severity: curr.Severity, To: curr.Status})
		}
	}

	sort.Slice(transitions, func(i, j int) bool { return transitions[i].RuleID < transitions[j].RuleID })
	return transitions
}

// Update stores the results as the new baseline for future comparisons.
func (d *TransitionTracker) Update(current []compliance.CheckResult) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.previous = indexResults(current)
	d.initialized = true
}

// indexResults keys results by rule id. A later result for the same rule wins.
func indexResults(results []compliance.CheckResult) map[string]compliance.CheckResult {
	m := make(map[string]compliance.CheckResult, len(results))
	for _, r := range results {
		m[r.RuleID] = r
	}
	return m
}

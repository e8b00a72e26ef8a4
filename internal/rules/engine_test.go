package rules

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/posture/internal/inventory"
	"github.com/yairfalse/posture/pkg/compliance"
	"github.com/yairfalse/posture/pkg/resource"
)

var fixedNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

func testEngine(reg *Registry) *Engine {
	return NewEngine(reg, zerolog.Nop(), WithClock(func() time.Time { return fixedNow }))
}

// stubRule is a configurable rule for engine tests.
type stubRule struct {
	id       string
	requires []resource.Kind
	eval     func(ctx context.Context, inv inventory.Snapshot) (Verdict, error)
	calls    int
}

func (s *stubRule) Meta() Metadata {
	return Metadata{ID: s.id, Version: 2, Title: "stub " + s.id, Severity: compliance.SeverityLow, Remediation: "fix it"}
}

func (s *stubRule) Requires() []resource.Kind { return s.requires }

func (s *stubRule) Evaluate(ctx context.Context, inv inventory.Snapshot) (Verdict, error) {
	s.calls++
	return s.eval(ctx, inv)
}

// ══════════════════════════════════════════════════════════════════════════════
// Registry Tests
// ══════════════════════════════════════════════════════════════════════════════

func TestRegistry_DuplicateRejected(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(&stubRule{id: "A"}))

	err := reg.Register(&stubRule{id: "A"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDuplicateRule))
	assert.Equal(t, 1, reg.Len())
}

func TestRegistry_MustRegisterPanicsOnDuplicate(t *testing.T) {
	reg := NewRegistry()
	assert.Panics(t, func() {
		reg.MustRegister(&stubRule{id: "A"}, &stubRule{id: "A"})
	})
}

func TestRegistry_RulesSortedByID(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(&stubRule{id: "C"}, &stubRule{id: "A"}, &stubRule{id: "B"})

	var ids []string
	for _, r := range reg.Rules() {
		ids = append(ids, r.Meta().ID)
	}
	assert.Equal(t, []string{"A", "B", "C"}, ids)
}

func TestDefaultRegistry(t *testing.T) {
	reg := Default()
	assert.Equal(t, 7, reg.Len())

	for _, id := range []string{"CIS-1.5", "CIS-2.1.1", "CIS-2.1.5", "CIS-2.3.3", "CIS-3.1", "CIS-3.6", "CIS-5.2"} {
		_, ok := reg.Get(id)
		assert.True(t, ok, id)
	}
	assert.Equal(t, []resource.Kind{
		resource.KindTrail,
		resource.KindAccount,
		resource.KindKey,
		resource.KindDatabase,
		resource.KindBucket,
		resource.KindSecurityGroup,
	}, reg.RequiredKinds())
}

// ══════════════════════════════════════════════════════════════════════════════
// Engine Tests
// ══════════════════════════════════════════════════════════════════════════════

func TestEngine_MissingDependencySkipsPredicate(t *testing.T) {
	rule := &stubRule{
		id:       "X",
		requires: []resource.Kind{resource.KindAccount},
		eval: func(context.Context, inventory.Snapshot) (Verdict, error) {
			panic("predicate must not run")
		},
	}
	e := testEngine(NewRegistry())

	res := e.Evaluate(context.Background(), rule, inventory.NewSnapshot(nil))

	assert.Equal(t, compliance.StatusWarning, res.Status)
	assert.Equal(t, "dependency unavailable: iam_account", res.Evidence)
	assert.Equal(t, 0, rule.calls)
	assert.Equal(t, compliance.SeverityMedium, res.Severity)
	assert.Equal(t, WarningRemediation, res.Remediation)
	assert.Equal(t, fixedNow, res.Timestamp)
}

func TestEngine_PredicateErrorBecomesWarning(t *testing.T) {
	rule := &stubRule{
		id: "X",
		eval: func(context.Context, inventory.Snapshot) (Verdict, error) {
			return Verdict{}, errors.New("throttled")
		},
	}
	res := testEngine(NewRegistry()).Evaluate(context.Background(), rule, inventory.NewSnapshot(nil))

	assert.Equal(t, compliance.StatusWarning, res.Status)
	assert.Equal(t, "Error: throttled", res.Evidence)
	assert.Equal(t, "X", res.RuleID)
	assert.Equal(t, 2, res.RuleVersion)
}

func TestEngine_PanicBecomesWarning(t *testing.T) {
	rule := &stubRule{
		id: "X",
		eval: func(context.Context, inventory.Snapshot) (Verdict, error) {
			var m map[string]int
			m["boom"]++
			return Verdict{}, nil
		},
	}
	res := testEngine(NewRegistry()).Evaluate(context.Background(), rule, inventory.NewSnapshot(nil))

	assert.Equal(t, compliance.StatusWarning, res.Status)
	assert.Contains(t, res.Evidence, "Error: rule panicked")
}

func TestEngine_InvalidStatusBecomesWarning(t *testing.T) {
	rule := &stubRule{
		id: "X",
		eval: func(context.Context, inventory.Snapshot) (Verdict, error) {
			return Verdict{Status: "MAYBE"}, nil
		},
	}
	res := testEngine(NewRegistry()).Evaluate(context.Background(), rule, inventory.NewSnapshot(nil))
	assert.Equal(t, compliance.StatusWarning, res.Status)
}

func TestEngine_PassClearsAffected(t *testing.T) {
	rule := &stubRule{
		id: "X",
		eval: func(context.Context, inventory.Snapshot) (Verdict, error) {
			return Verdict{Status: compliance.StatusPass, Evidence: "ok", Affected: []string{"leak"}}, nil
		},
	}
	res := testEngine(NewRegistry()).Evaluate(context.Background(), rule, inventory.NewSnapshot(nil))

	assert.Equal(t, compliance.StatusPass, res.Status)
	assert.Empty(t, res.AffectedResources)
	assert.Equal(t, compliance.SeverityLow, res.Severity)
}

func TestEngine_EvaluateAllContinuesPastFailures(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(
		&stubRule{id: "B", eval: func(context.Context, inventory.Snapshot) (Verdict, error) {
			panic("bad rule")
		}},
		&stubRule{id: "A", eval: func(context.Context, inventory.Snapshot) (Verdict, error) {
			return Verdict{Status: compliance.StatusFail, Evidence: "x", Affected: []string{"r1"}}, nil
		}},
		&stubRule{id: "C", eval: func(context.Context, inventory.Snapshot) (Verdict, error) {
			return Verdict{Status: compliance.StatusPass, Evidence: "y"}, nil
		}},
	)

	results := testEngine(reg).EvaluateAll(context.Background(), inventory.NewSnapshot(nil))

	require.Len(t, results, 3)
	assert.Equal(t, "A", results[0].RuleID)
	assert.Equal(t, compliance.StatusFail, results[0].Status)
	assert.Equal(t, []string{"r1"}, results[0].AffectedResources)
	assert.Equal(t, compliance.StatusWarning, results[1].Status)
	assert.Equal(t, compliance.StatusPass, results[2].Status)
}

func TestEngine_Deterministic(t *testing.T) {
	inv := inventory.NewSnapshot(map[resource.Kind][]resource.Record{
		resource.KindBucket: {
			resource.StorageBucket{Name: "zeta", AccessPolicy: resource.PolicyPublic},
			resource.StorageBucket{Name: "alpha", AccessPolicy: resource.PolicyPrivate},
		},
	})
	e := testEngine(Default())

	first := e.EvaluateAll(context.Background(), inv)
	second := e.EvaluateAll(context.Background(), inv)
	assert.Equal(t, first, second)
}

func TestEngine_EvaluateAllWithErrorsReportsOnlyPredicateFailures(t *testing.T) {
	reg := NewRegistry()
	reg.MustRegister(
		&stubRule{id: "missing", requires: []resource.Kind{resource.KindAccount}},
		&stubRule{id: "broken", eval: func(context.Context, inventory.Snapshot) (Verdict, error) {
			return Verdict{}, errors.New("AccessDenied")
		}},
		&stubRule{id: "fine", eval: func(context.Context, inventory.Snapshot) (Verdict, error) {
			return Verdict{Status: compliance.StatusPass, Evidence: "ok"}, nil
		}},
	)

	results, failed := testEngine(reg).EvaluateAllWithErrors(context.Background(), inventory.NewSnapshot(nil))

	require.Len(t, results, 3)
	require.Len(t, failed, 1)
	assert.Equal(t, "broken", failed[0].RuleID)
	assert.EqualError(t, failed[0].Err, "AccessDenied")
	assert.Equal(t, "Error: AccessDenied", results[0].Evidence)
	assert.Equal(t, "dependency unavailable: iam_account", results[2].Evidence)
}

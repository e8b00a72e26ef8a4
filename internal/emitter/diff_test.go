package emitter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/posture/pkg/compliance"
)

func makeResult(id string, status compliance.Status) compliance.CheckResult {
	return compliance.CheckResult{
		RuleID:    id,
		Status:    status,
		Severity:  compliance.SeverityHigh,
		Timestamp: time.Now(),
	}
}

func TestTransitionTracker_FirstScan(t *testing.T) {
	tracker := NewTransitionTracker()
	results := []compliance.CheckResult{
		makeResult("CIS-1.5", compliance.StatusPass),
		makeResult("CIS-3.1", compliance.StatusFail),
	}

	assert.Nil(t, tracker.Compute(results), "first scan should return nil")
	tracker.Update(results)
}

func TestTransitionTracker_NoChanges(t *testing.T) {
	tracker := NewTransitionTracker()
	results := []compliance.CheckResult{
		makeResult("CIS-1.5", compliance.StatusPass),
		makeResult("CIS-3.1", compliance.StatusFail),
	}
	tracker.Update(results)

	transitions := tracker.Compute(results)
	require.NotNil(t, transitions)
	assert.Empty(t, transitions)
}

func TestTransitionTracker_VerdictChanged(t *testing.T) {
	tracker := NewTransitionTracker()
	tracker.Update([]compliance.CheckResult{
		makeResult("CIS-1.5", compliance.StatusPass),
		makeResult("CIS-3.1", compliance.StatusFail),
	})

	transitions := tracker.Compute([]compliance.CheckResult{
		makeResult("CIS-1.5", compliance.StatusFail),
		makeResult("CIS-3.1", compliance.StatusPass),
	})

	require.Len(t, transitions, 2)
	assert.Equal(t, Transition{RuleID: "CIS-1.5", Severity: compliance.SeverityHigh, From: compliance.StatusPass, To: compliance.StatusFail}, transitions[0])
	assert.True(t, transitions[0].Regressed())
	assert.Equal(t, compliance.StatusPass, transitions[1].To)
	assert.False(t, transitions[1].Regressed())
}

func TestTransitionTracker_RuleAddedAndRemoved(t *testing.T) {
	tracker := NewTransitionTracker()
	tracker.Update([]compliance.CheckResult{makeResult("CIS-1.5", compliance.StatusPass)})

	transitions := tracker.Compute([]compliance.CheckResult{makeResult("CIS-5.2", compliance.StatusWarning)})

	require.Len(t, transitions, 2)
	assert.Equal(t, "CIS-1.5", transitions[0].RuleID)
	assert.Empty(t, transitions[0].To)
	assert.Equal(t, "CIS-5.2", transitions[1].RuleID)
	assert.Empty(t, transitions[1].From)
	assert.Equal(t, compliance.StatusWarning, transitions[1].To)
}

func TestTransitionTracker_WarningToFailIsRegression(t *testing.T) {
	tr := Transition{From: compliance.StatusWarning, To: compliance.StatusFail}
	assert.True(t, tr.Regressed())
	assert.False(t, Transition{From: compliance.StatusFail, To: compliance.StatusFail}.Regressed())
}

package compliance

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestScanSummary_CountResult(t *testing.T) {
	s := NewScanSummary("scan-1", time.Now())

	s.CountResult(CheckResult{RuleID: "CIS-1.5", Status: StatusPass})
	s.CountResult(CheckResult{RuleID: "CIS-3.1", Status: StatusFail})
	s.CountResult(CheckResult{RuleID: "CIS-5.2", Status: StatusWarning})

	assert.Equal(t, 3, s.ChecksPerformed)
	assert.Equal(t, s.ChecksPerformed, s.ChecksPassed+s.ChecksFailed+s.ChecksWarning)
	assert.Equal(t, Tally{Failed: 1}, s.Rules["CIS-3.1"])
	assert.Equal(t, 1, s.Rules["CIS-5.2"].Total())
}

func TestScanSummary_Finish(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(s *ScanSummary)
		expect ScanStatus
	}{
		{"clean", func(*ScanSummary) {}, ScanCompleted},
		{"with errors", func(s *ScanSummary) {
			s.AddError(StepDiscovery, "iam_account", errors.New("access denied"))
		}, ScanCompletedWithErrors},
		{"failed stays failed", func(s *ScanSummary) {
			s.Status = ScanFailed
			s.AddError(StepInit, "store", errors.New("boom"))
		}, ScanFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewScanSummary("id", time.Now())
			tt.setup(s)
			end := time.Now()
			s.Finish(end)
			assert.Equal(t, tt.expect, s.Status)
			assert.Equal(t, end, s.EndTime)
		})
	}
}

func TestStepError_String(t *testing.T) {
	e := StepError{Step: StepDiscovery, Subject: "iam_account", Message: "AccessDenied"}
	assert.Equal(t, "discovery iam_account: AccessDenied", e.String())
}

func TestComplianceRate(t *testing.T) {
	assert.Equal(t, 0, ComplianceRate(0, 0))
	assert.Equal(t, 100, ComplianceRate(5, 5))
	assert.Equal(t, 67, ComplianceRate(2, 3))
	assert.Equal(t, 33, ComplianceRate(1, 3))
	assert.Equal(t, 50, ComplianceRate(1, 2))
}

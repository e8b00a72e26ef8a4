// Package compliance defines check verdicts and scan summaries.
package compliance

import (
	"fmt"
	"time"

	"github.com/yairfalse/posture/pkg/resource"
)

// Status is the verdict of one rule evaluation.
type Status string

const (
	StatusPass Status = "PASS"
	StatusFail Status = "FAIL"
	// StatusWarning means the rule could not be evaluated. It is not a FAIL.
	StatusWarning Status = "WARNING"
)

// Severity tiers a rule.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// CheckResult is the timestamped verdict of one rule against one inventory.
// Its storage identity is (RuleID, Timestamp); results are only ever appended.
type CheckResult struct {
	RuleID            string    `json:"check_id"`
	RuleVersion       int       `json:"rule_version"`
	Title             string    `json:"check_name"`
	Description       string    `json:"description"`
	Status            Status    `json:"status"`
	Evidence          string    `json:"evidence"`
	AffectedResources []string  `json:"affected_resources,omitempty"`
	Remediation       string    `json:"recommendation"`
	Severity          Severity  `json:"severity"`
	ScanID            string    `json:"scan_id,omitempty"`
	Timestamp         time.Time `json:"scan_timestamp"`
}

// ScanStatus is the lifecycle status of a scan.
type ScanStatus string

const (
	ScanInProgress          ScanStatus = "IN_PROGRESS"
	ScanCompleted           ScanStatus = "COMPLETED"
	ScanCompletedWithErrors ScanStatus = "COMPLETED_WITH_ERRORS"
	ScanFailed              ScanStatus = "FAILED"
)

// Step names the scan phase an error was recovered in.
type Step string

const (
	StepDiscovery   Step = "discovery"
	StepEvaluation  Step = "evaluation"
	StepPersistence Step = "persistence"
	StepInit        Step = "init"
)

// StepError is one recovered failure recorded in a scan summary.
type StepError struct {
	Step    Step   `json:"step"`
	Subject string `json:"subject"` // resource kind, rule id or store operation
	Message string `json:"message"`
}

func (e StepError) String() string {
	return fmt.Sprintf("%s %s: %s", e.Step, e.Subject, e.Message)
}

// Tally counts verdicts.
type Tally struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Warning int `json:"warning"`
}

// Add counts one verdict.
func (t *Tally) Add(s Status) {
	switch s {
	case StatusPass:
		t.Passed++
	case StatusFail:
		t.Failed++
	default:
		t.Warning++
	}
}

// Total returns the number of verdicts counted.
func (t Tally) Total() int {
	return t.Passed + t.Failed + t.Warning
}

// ScanSummary describes one scan. It is immutable once returned to a caller.
type ScanSummary struct {
	ScanID    string     `json:"scan_id"`
	Status    ScanStatus `json:"status"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`

	// Discovered counts only kinds whose discovery succeeded.
	Discovered map[resource.Kind]int `json:"discovered"`
	// Persisted counts records actually written to the store.
	Persisted map[resource.Kind]int `json:"persisted"`

	ChecksPerformed  int `json:"checks_performed"`
	ChecksPassed     int `json:"checks_passed"`
	ChecksFailed     int `json:"checks_failed"`
	ChecksWarning    int `json:"checks_warning"`
	ResultsPersisted int `json:"results_persisted"`

	Rules  map[string]Tally `json:"rules"`
	Errors []StepError      `json:"errors"`
}

// NewScanSummary starts a summary in the IN_PROGRESS state.
func NewScanSummary(id string, start time.Time) *ScanSummary {
	return &ScanSummary{
		ScanID:     id,
		Status:     ScanInProgress,
		StartTime:  start,
		Discovered: make(map[resource.Kind]int),
		Persisted:  make(map[resource.Kind]int),
		Rules:      make(map[string]Tally),
		Errors:     []StepError{},
	}
}

// AddError records a recovered failure.
func (s *ScanSummary) AddError(step Step, subject string, err error) {
	s.Errors = append(s.Errors, StepError{Step: step, Subject: subject, Message: err.Error()})
}

// CountResult folds one check result into the verdict counters.
func (s *ScanSummary) CountResult(r CheckResult) {
	s.ChecksPerformed++
	switch r.Status {
	case StatusPass:
		s.ChecksPassed++
	case StatusFail:
		s.ChecksFailed++
	default:
		s.ChecksWarning++
	}
	t := s.Rules[r.RuleID]
	t.Add(r.Status)
	s.Rules[r.RuleID] = t
}

// Finish stamps the end time and the terminal status derived from the error list.
func (s *ScanSummary) Finish(end time.Time) {
	s.EndTime = end
	if s.Status == ScanFailed {
		return
	}
	if len(s.Errors) > 0 {
		s.Status = ScanCompletedWithErrors
		return
	}
	s.Status = ScanCompleted
}

// ComplianceRate returns passed/total as a rounded percentage, 0 when total is 0.
func ComplianceRate(passed, total int) int {
	if total <= 0 {
		return 0
	}
	return int((float64(passed)*100.0)/float64(total) + 0.5)
}

package emitter

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/yairfalse/posture/pkg/compliance"
)

// LogEmitter writes each finished scan to a zerolog logger: one event for
// the summary, one per step error and one per failed check.
type LogEmitter struct {
	logger zerolog.Logger
}

// NewLogEmitter creates a report emitter on logger.
func NewLogEmitter(logger zerolog.Logger) *LogEmitter {
	return &LogEmitter{logger: logger.With().Str("component", "report").Logger()}
}

// Emit logs the report.
func (e *LogEmitter) Emit(ctx context.Context, report Report) error {
	s := report.Summary
	if s == nil {
		return fmt.Errorf("emit: nil summary")
	}
	log := e.logger.With().Str("scan_id", s.ScanID).Logger()

	ev := log.Info()
	switch s.Status {
	case compliance.ScanCompletedWithErrors:
		ev = log.Warn()
	case compliance.ScanFailed:
		ev = log.Error()
	}
	ev.Ctx(ctx).
		Str("status", string(s.Status)).
		Int("checks", s.ChecksPerformed).
		Int("passed", s.ChecksPassed).
		Int("failed", s.ChecksFailed).
		Int("warnings", s.ChecksWarning).
		Int("compliance_rate", compliance.ComplianceRate(s.ChecksPassed, s.ChecksPerformed)).
		Msg("scan report")

	for _, se := range s.Errors {
		log.Warn().
			Str("step", string(se.Step)).
			Str("subject", se.Subject).
			Str("error", se.Message).
			Msg("scan step error")
	}

	for _, r := range report.Results {
		if r.Status != compliance.StatusFail {
			continue
		}
		log.Info().
			Str("rule", r.RuleID).
			Str("severity", string(r.Severity)).
			Strs("affected", r.AffectedResources).
			Str("remediation", r.Remediation).
			Msg(r.Title)
	}
	return nil
}

// Close is a no-op.
func (e *LogEmitter) Close() error { return nil }

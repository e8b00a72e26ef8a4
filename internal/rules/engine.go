package rules

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/yairfalse/posture/internal/inventory"
	"github.com/yairfalse/posture/pkg/compliance"
)

// WarningRemediation is attached to every result that could not be evaluated.
const WarningRemediation = "Review AWS permissions and configuration"

// Engine evaluates rules against a sealed inventory. It performs no I/O.
type Engine struct {
	registry *Registry
	now      func() time.Time
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock sets the clock used to stamp results.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithTracer traces each rule evaluation. Untraced by default.
func WithTracer(t trace.Tracer) EngineOption {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates an engine over registry.
func NewEngine(registry *Registry, logger zerolog.Logger, opts ...EngineOption) *Engine {
	e := &Engine{
		registry: registry,
		now:      time.Now,
		logger:   logger.With().Str("component", "rule-engine").Logger(),
		tracer:   noop.NewTracerProvider().Tracer(""),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Registry returns the rule set the engine evaluates.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// RuleError records a rule whose predicate failed, panicked or returned an
// invalid verdict. A missing dependency is not a RuleError.
type RuleError struct {
	RuleID string
	Err    error
}

// Evaluate runs one rule. It never fails: a missing dependency, a predicate
// error or a predicate panic all produce a WARNING result.
func (e *Engine) Evaluate(ctx context.Context, rule Rule, inv inventory.Snapshot) compliance.CheckResult {
	result, _ := e.evaluate(ctx, rule, inv)
	return result
}

func (e *Engine) evaluate(ctx context.Context, rule Rule, inv inventory.Snapshot) (compliance.CheckResult, error) {
	meta := rule.Meta()
	ctx, span := e.tracer.Start(ctx, "rules.evaluate", trace.WithAttributes(
		attribute.String("rule.id", meta.ID),
	))
	defer span.End()

	result := compliance.CheckResult{
		RuleID:      meta.ID,
		RuleVersion: meta.Version,
		Title:       meta.Title,
		Description: meta.Description,
		Severity:    meta.Severity,
		Remediation: meta.Remediation,
		Timestamp:   e.now().UTC(),
	}

	for _, kind := range rule.Requires() {
		if !inv.Has(kind) {
			e.logger.Warn().Str("rule", meta.ID).Str("kind", string(kind)).Msg("dependency unavailable")
			span.SetAttributes(attribute.String("rule.missing_kind", string(kind)))
			return warning(result, fmt.Sprintf("dependency unavailable: %s", kind)), nil
		}
	}

	verdict, err := safeEvaluate(ctx, rule, inv)
	if err == nil {
		err = validate(verdict)
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("rule", meta.ID).Msg("rule evaluation failed")
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return warning(result, "Error: "+err.Error()), err
	}

	result.Status = verdict.Status
	result.Evidence = verdict.Evidence
	if verdict.Status != compliance.StatusPass && len(verdict.Affected) > 0 {
		result.AffectedResources = append([]string(nil), verdict.Affected...)
	}
	if verdict.Status == compliance.StatusWarning {
		result.Severity = compliance.SeverityMedium
		result.Remediation = WarningRemediation
	}
	span.SetAttributes(attribute.String("rule.status", string(result.Status)))
	return result, nil
}

// EvaluateAll runs every registered rule concurrently. Results are ordered by rule id.
func (e *Engine) EvaluateAll(ctx context.Context, inv inventory.Snapshot) []compliance.CheckResult {
	results, _ := e.EvaluateAllWithErrors(ctx, inv)
	return results
}

// EvaluateAllWithErrors is EvaluateAll that also reports which rules failed
// to evaluate, in rule id order.
func (e *Engine) EvaluateAllWithErrors(ctx context.Context, inv inventory.Snapshot) ([]compliance.CheckResult, []RuleError) {
	rules := e.registry.Rules()
	results := make([]compliance.CheckResult, len(rules))
	errs := make([]error, len(rules))

	var wg sync.WaitGroup
	for i, rule := range rules {
		wg.Add(1)
		go func(i int, rule Rule) {
			defer wg.Done()
			results[i], errs[i] = e.evaluate(ctx, rule, inv)
		}(i, rule)
	}
	wg.Wait()

	var failed []RuleError
	for i, err := range errs {
		if err != nil {
			failed = append(failed, RuleError{RuleID: results[i].RuleID, Err: err})
		}
	}
	return results, failed
}

func safeEvaluate(ctx context.Context, rule Rule, inv inventory.Snapshot) (v Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()
	return rule.Evaluate(ctx, inv)
}

func validate(v Verdict) error {
	switch v.Status {
	case compliance.StatusPass, compliance.StatusFail, compliance.StatusWarning:
		return nil
	default:
		return fmt.Errorf("invalid verdict status %q", v.Status)
	}
}

func warning(result compliance.CheckResult, evidence string) compliance.CheckResult {
	result.Status = compliance.StatusWarning
	result.Evidence = evidence
	result.Severity = compliance.SeverityMedium
	result.Remediation = WarningRemediation
	return result
}

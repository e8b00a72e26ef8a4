package emitter

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/posture/pkg/compliance"
	"github.com/yairfalse/posture/pkg/resource"
)

// PrometheusEmitter emits metrics in Prometheus format via OTEL.
type PrometheusEmitter struct {
	meter  metric.Meter
	logger zerolog.Logger

	// Metrics
	checkStatus      metric.Int64ObservableGauge
	resourcesGauge   metric.Int64ObservableGauge
	complianceRate   metric.Int64ObservableGauge
	scanDuration     metric.Float64Histogram
	checksTotal      metric.Int64Counter
	scanErrorsTotal  metric.Int64Counter
	transitionsTotal metric.Int64Counter

	// State for observable gauges
	mu         sync.RWMutex
	latest     []compliance.CheckResult
	discovered map[resource.Kind]int
	rate       int

	transitions *TransitionTracker
}

// NewPrometheusEmitter creates its instruments on meter. They are scraped
// wherever the meter's provider is read, typically the /metrics endpoint.
func NewPrometheusEmitter(meter metric.Meter, logger zerolog.Logger) (*PrometheusEmitter, error) {
	e := &PrometheusEmitter{
		meter:       meter,
		logger:      logger.With().Str("component", "prometheus-emitter").Logger(),
		discovered:  make(map[resource.Kind]int),
		transitions: NewTransitionTracker(),
	}

	if err := e.initMetrics(); err != nil {
		return nil, fmt.Errorf("init metrics: %w", err)
	}

	return e, nil
}

func (e *PrometheusEmitter) initMetrics() error {
	var err error

	// One series per rule, valued 1, labelled with the latest verdict
	e.checkStatus, err = e.meter.Int64ObservableGauge(
		"posture_check_status",
		metric.WithDescription("Latest verdict per compliance rule"),
		metric.WithInt64Callback(e.observeChecks),
	)
	if err != nil {
		return fmt.Errorf("create check_status gauge: %w", err)
	}

	e.resourcesGauge, err = e.meter.Int64ObservableGauge(
		"posture_resources",
		metric.WithDescription("Resources discovered in the latest scan"),
		metric.WithInt64Callback(e.observeResources),
	)
	if err != nil {
		return fmt.Errorf("create resources gauge: %w", err)
	}

	e.complianceRate, err = e.meter.Int64ObservableGauge(
		"posture_compliance_rate",
		metric.WithDescription("Percentage of passed checks in the latest scan"),
		metric.WithUnit("%"),
		metric.WithInt64Callback(e.observeRate),
	)
	if err != nil {
		return fmt.Errorf("create compliance_rate gauge: %w", err)
	}

	e.scanDuration, err = e.meter.Float64Histogram(
		"posture_scan_duration_seconds",
		metric.WithDescription("Time taken by a complete scan"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create scan_duration histogram: %w", err)
	}

	e.checksTotal, err = e.meter.Int64Counter(
		"posture_checks_total",
		metric.WithDescription("Total check results produced"),
	)
	if err != nil {
		return fmt.Errorf("create checks counter: %w", err)
	}

	e.scanErrorsTotal, err = e.meter.Int64Counter(
		"posture_scan_errors_total",
		metric.WithDescription("Total recovered scan step errors"),
	)
	if err != nil {
		return fmt.Errorf("create scan_errors counter: %w", err)
	}

	e.transitionsTotal, err = e.meter.Int64Counter(
		"posture_check_transitions_total",
		metric.WithDescription("Total verdict changes between consecutive scans"),
	)
	if err != nil {
		return fmt.Errorf("create transitions counter: %w", err)
	}

	return nil
}

// Emit records the scan report as metrics.
func (e *PrometheusEmitter) Emit(ctx context.Context, report Report) error {
	s := report.Summary
	if s == nil {
		return fmt.Errorf("emit: nil summary")
	}
	statusAttr := attribute.String("scan_status", string(s.Status))

	e.scanDuration.Record(ctx, s.EndTime.Sub(s.StartTime).Seconds(), metric.WithAttributes(statusAttr))

	for _, se := range s.Errors {
		e.scanErrorsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("step", string(se.Step)),
			attribute.String("kind", errorKind(se)),
		))
	}

	if s.Status == compliance.ScanFailed {
		// Keep the previous gauges; a failed scan evaluated nothing.
		return nil
	}

	for _, r := range report.Results {
		e.checksTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rule", r.RuleID),
			attribute.String("status", string(r.Status)),
		))
	}

	e.emitTransitions(ctx, report.Results)

	e.mu.Lock()
	e.latest = append([]compliance.CheckResult(nil), report.Results...)
	e.discovered = make(map[resource.Kind]int, len(s.Discovered))
	for k, n := range s.Discovered {
		e.discovered[k] = n
	}
	e.rate = compliance.ComplianceRate(s.ChecksPassed, s.ChecksPerformed)
	e.mu.Unlock()

	e.transitions.Update(report.Results)

	e.logger.Info().
		Str("scan_id", s.ScanID).
		Str("status", string(s.Status)).
		Int("checks", s.ChecksPerformed).
		Int("errors", len(s.Errors)).
		Msg("scan metrics updated")

	return nil
}

// errorKind reduces an error subject to a bounded label value: the resource
// kind for discovery and inventory writes, "rule" for rule ids, and the
// subject itself for init errors.
func errorKind(se compliance.StepError) string {
	kind, _, _ := strings.Cut(se.Subject, "/")
	if _, err := resource.ParseKind(kind); err == nil || se.Step == compliance.StepInit {
		return kind
	}
	return "rule"
}

// emitTransitions counts and logs verdict changes since the previous scan.
func (e *PrometheusEmitter) emitTransitions(ctx context.Context, results []compliance.CheckResult) {
	transitions := e.transitions.Compute(results)
	if transitions == nil {
		// First scan - baseline established
		return
	}

	for _, t := range transitions {
		e.transitionsTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("rule", t.RuleID),
			attribute.String("from", string(t.From)),
			attribute.String("to", string(t.To)),
		))

		ev := e.logger.Info()
		if t.Regressed() {
			ev = e.logger.Warn()
		}
		ev.Str("rule", t.RuleID).
			Str("severity", string(t.Severity)).
			Str("from", string(t.From)).
			Str("to", string(t.To)).
			Msg("verdict changed")
	}
}

func (e *PrometheusEmitter) observeChecks(_ context.Context, o metric.Int64Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, r := range e.latest {
		o.Observe(1, metric.WithAttributes(
			attribute.String("rule", r.RuleID),
			attribute.String("status", string(r.Status)),
			attribute.String("severity", string(r.Severity)),
		))
	}
	return nil
}

func (e *PrometheusEmitter) observeResources(_ context.Context, o metric.Int64Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for kind, n := range e.discovered {
		o.Observe(int64(n), metric.WithAttributes(attribute.String("kind", string(kind))))
	}
	return nil
}

func (e *PrometheusEmitter) observeRate(_ context.Context, o metric.Int64Observer) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.latest != nil {
		o.Observe(int64(e.rate))
	}
	return nil
}

// Close is a no-op for Prometheus emitter.
func (e *PrometheusEmitter) Close() error {
	return nil
}

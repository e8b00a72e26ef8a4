// Package scan drives one discovery, evaluation and persistence cycle.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/yairfalse/posture/internal/emitter"
	"github.com/yairfalse/posture/internal/inventory"
	"github.com/yairfalse/posture/internal/plugin"
	"github.com/yairfalse/posture/internal/rules"
	"github.com/yairfalse/posture/internal/store"
	"github.com/yairfalse/posture/pkg/compliance"
	"github.com/yairfalse/posture/pkg/resource"
)

// ErrNoProviders means a scan was requested with nothing to discover.
var ErrNoProviders = errors.New("no discovery providers registered")

// Phase is a step of the scan state machine.
type Phase string

const (
	PhaseCreated     Phase = "CREATED"
	PhaseDiscovering Phase = "DISCOVERING"
	PhaseEvaluating  Phase = "EVALUATING"
	PhasePersisting  Phase = "PERSISTING"
	PhaseDone        Phase = "DONE"
)

// Default call bounds
const (
	DefaultProviderTimeout = 2 * time.Minute
	DefaultStoreTimeout    = 30 * time.Second
	DefaultSchemaTimeout   = 5 * time.Minute
)

// Recorder receives scan measurements.
type Recorder interface {
	RecordScan(ctx context.Context, status compliance.ScanStatus, d time.Duration)
	RecordDiscovery(ctx context.Context, kind resource.Kind, count int, err error)
	RecordStoreOperation(ctx context.Context, operation string, err error)
}

// Config bounds each external call of a scan.
type Config struct {
	ProviderTimeout time.Duration
	StoreTimeout    time.Duration
	// SchemaTimeout bounds EnsureSchema, which may wait for new tables.
	SchemaTimeout time.Duration
}

// Orchestrator runs scans. It holds no per-scan state, so Run may be called
// repeatedly and concurrently.
type Orchestrator struct {
	providers *plugin.Registry
	engine    *rules.Engine
	store     store.Store
	cfg       Config

	logger   zerolog.Logger
	tracer   trace.Tracer
	now      func() time.Time
	newID    func() string
	emitter  emitter.Emitter
	recorder Recorder
	onPhase  func(scanID string, p Phase)
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithClock sets the clock used for scan timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithIDGenerator sets how scan identifiers are allocated.
func WithIDGenerator(newID func() string) Option {
	return func(o *Orchestrator) { o.newID = newID }
}

// WithEmitter publishes every finished scan.
func WithEmitter(e emitter.Emitter) Option {
	return func(o *Orchestrator) { o.emitter = e }
}

// WithTracer traces each scan and its phases. Untraced by default.
func WithTracer(t trace.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithRecorder records scan metrics.
func WithRecorder(r Recorder) Option {
	return func(o *Orchestrator) { o.recorder = r }
}

// WithPhaseHook is called on every state transition.
func WithPhaseHook(fn func(scanID string, p Phase)) Option {
	return func(o *Orchestrator) { o.onPhase = fn }
}

// New creates an orchestrator.
func New(providers *plugin.Registry, engine *rules.Engine, st store.Store, cfg Config, logger zerolog.Logger, opts ...Option) *Orchestrator {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = DefaultStoreTimeout
	}
	if cfg.SchemaTimeout <= 0 {
		cfg.SchemaTimeout = DefaultSchemaTimeout
	}
	o := &Orchestrator{
		providers: providers,
		engine:    engine,
		store:     st,
		cfg:       cfg,
		logger:    logger.With().Str("component", "orchestrator").Logger(),
		tracer:    noop.NewTracerProvider().Tracer(""),
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one scan and returns its summary.
//
// The error is non-nil only when the scan could not begin. When the store
// schema cannot be prepared the summary is still returned, with status FAILED.
func (o *Orchestrator) Run(ctx context.Context) (*compliance.ScanSummary, error) {
	providers := o.providers.All()
	if len(providers) == 0 {
		return nil, ErrNoProviders
	}

	id := o.newID()
	if id == "" {
		return nil, errors.New("allocate scan id: empty identifier")
	}
	summary := compliance.NewScanSummary(id, o.now().UTC())
	o.transition(id, PhaseCreated)

	ctx, span := o.tracer.Start(ctx, "scan.run", trace.WithAttributes(attribute.String("scan.id", id)))
	defer span.End()

	log := o.logger.With().Str("scan_id", id).Ctx(ctx).Logger()
	log.Info().Int("providers", len(providers)).Msg("scan started")

	if err := o.ensureSchema(ctx); err != nil {
		summary.Status = compliance.ScanFailed
		summary.AddError(compliance.StepInit, "store", err)
		summary.Finish(o.now().UTC())
		span.RecordError(err)
		span.SetStatus(codes.Error, "store schema unavailable")
		log.Error().Err(err).Msg("scan failed")
		o.finish(ctx, summary, nil)
		return summary, fmt.Errorf("scan %s: %w", id, err)
	}

	o.transition(id, PhaseDiscovering)
	snapshot := o.discover(ctx, providers, summary)

	o.transition(id, PhaseEvaluating)
	results, failed := o.engine.EvaluateAllWithErrors(ctx, snapshot)
	for i := range results {
		results[i].ScanID = id
		summary.CountResult(results[i])
	}
	for _, rf := range failed {
		summary.AddError(compliance.StepEvaluation, rf.RuleID, rf.Err)
	}

	o.transition(id, PhasePersisting)
	o.persist(ctx, snapshot, results, summary)

	summary.Finish(o.now().UTC())
	span.SetAttributes(
		attribute.String("scan.status", string(summary.Status)),
		attribute.Int("scan.checks", summary.ChecksPerformed),
		attribute.Int("scan.errors", len(summary.Errors)),
	)
	if summary.Status != compliance.ScanCompleted {
		span.SetStatus(codes.Error, string(summary.Status))
	}

	log.Info().
		Str("status", string(summary.Status)).
		Int("checks", summary.ChecksPerformed).
		Int("passed", summary.ChecksPassed).
		Int("failed", summary.ChecksFailed).
		Int("warnings", summary.ChecksWarning).
		Int("errors", len(summary.Errors)).
		Dur("duration", summary.EndTime.Sub(summary.StartTime)).
		Msg("scan complete")

	o.finish(ctx, summary, results)
	return summary, nil
}

func (o *Orchestrator) ensureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.SchemaTimeout)
	defer cancel()
	err := o.store.EnsureSchema(ctx)
	o.recordStore(ctx, "ensure_schema", err)
	return err
}

type discovery struct {
	kind    resource.Kind
	records []resource.Record
	err     error
}

// discover runs every provider concurrently and seals what succeeded.
// A failed kind is absent from the snapshot. A kind that was only partly
// described is kept, and each incomplete resource becomes a discovery error.
func (o *Orchestrator) discover(ctx context.Context, providers []plugin.Provider, summary *compliance.ScanSummary) inventory.Snapshot {
	ctx, span := o.tracer.Start(ctx, "scan.discover")
	defer span.End()

	cache := inventory.NewCache()
	outcomes := make([]discovery, len(providers))

	var wg sync.WaitGroup
	for i, p := range providers {
		wg.Add(1)
		go func(i int, p plugin.Provider) {
			defer wg.Done()
			records, err := o.discoverOne(ctx, p)
			outcomes[i] = discovery{kind: p.Kind(), records: records, err: err}
			// nil only when the kind failed outright
			if records != nil {
				cache.Put(p.Kind(), records)
			}
		}(i, p)
	}
	wg.Wait()

	// Outcomes are in provider (kind) order, so the error list is stable.
	for _, out := range outcomes {
		if o.recorder != nil {
			o.recorder.RecordDiscovery(ctx, out.kind, len(out.records), out.err)
		}
		var partial *plugin.PartialError
		switch {
		case errors.As(out.err, &partial):
			for _, key := range partial.Keys() {
				summary.AddError(compliance.StepDiscovery, fmt.Sprintf("%s/%s", out.kind, key), partial.Failures[key])
			}
			o.logger.Warn().Err(out.err).Str("kind", string(out.kind)).Msg("discovery incomplete")
		case out.err != nil:
			summary.AddError(compliance.StepDiscovery, string(out.kind), out.err)
			o.logger.Warn().Err(out.err).Str("kind", string(out.kind)).Msg("discovery failed")
			continue
		}
		summary.Discovered[out.kind] = len(out.records)
	}
	return cache.Seal()
}

// discoverOne bounds a provider call and converts a panic into an error.
// Records are kept alongside a *plugin.PartialError and dropped otherwise.
func (o *Orchestrator) discoverOne(ctx context.Context, p plugin.Provider) (records []resource.Record, err error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ProviderTimeout)
	defer cancel()

	type reply struct {
		records []resource.Record
		err     error
	}
	done := make(chan reply, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- reply{err: fmt.Errorf("provider panicked: %v", r)}
			}
		}()
		recs, err := p.Discover(ctx)
		done <- reply{records: recs, err: err}
	}()

	select {
	case r := <-done:
		var partial *plugin.PartialError
		if r.err != nil && !errors.As(r.err, &partial) {
			return nil, r.err
		}
		if r.records == nil {
			r.records = []resource.Record{}
		}
		return r.records, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("discover %s: %w", p.Kind(), ctx.Err())
	}
}

// persist writes every discovered record and every result concurrently.
// Only successful writes are counted.
func (o *Orchestrator) persist(ctx context.Context, snapshot inventory.Snapshot, results []compliance.CheckResult, summary *compliance.ScanSummary) {
	ctx, span := o.tracer.Start(ctx, "scan.persist")
	defer span.End()

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	fail := func(subject string, err error) {
		mu.Lock()
		summary.AddError(compliance.StepPersistence, subject, err)
		mu.Unlock()
	}

	// Records within one kind are written in order; kinds run in parallel.
	for _, kind := range snapshot.Kinds() {
		records, _ := snapshot.Get(kind)
		wg.Add(1)
		go func(kind resource.Kind, records []resource.Record) {
			defer wg.Done()
			written := 0
			for _, rec := range records {
				if err := o.upsert(ctx, kind, rec); err != nil {
					fail(fmt.Sprintf("%s/%s", kind, rec.Key()), err)
					continue
				}
				written++
			}
			mu.Lock()
			summary.Persisted[kind] = written
			mu.Unlock()
		}(kind, records)
	}

	for _, r := range results {
		wg.Add(1)
		go func(r compliance.CheckResult) {
			defer wg.Done()
			if err := o.appendResult(ctx, r); err != nil {
				fail(r.RuleID, err)
				return
			}
			mu.Lock()
			summary.ResultsPersisted++
			mu.Unlock()
		}(r)
	}
	wg.Wait()

	sortErrors(summary.Errors)
}

func (o *Orchestrator) upsert(ctx context.Context, kind resource.Kind, rec resource.Record) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	err := o.store.UpsertCurrent(ctx, kind, rec.Key(), rec)
	o.recordStore(ctx, "upsert_current", err)
	return err
}

func (o *Orchestrator) appendResult(ctx context.Context, r compliance.CheckResult) error {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.StoreTimeout)
	defer cancel()
	err := o.store.AppendResult(ctx, r)
	o.recordStore(ctx, "append_result", err)
	return err
}

func (o *Orchestrator) recordStore(ctx context.Context, op string, err error) {
	if o.recorder != nil {
		o.recorder.RecordStoreOperation(ctx, op, err)
	}
}

func (o *Orchestrator) transition(id string, p Phase) {
	o.logger.Debug().Str("scan_id", id).Str("phase", string(p)).Msg("scan phase")
	if o.onPhase != nil {
		o.onPhase(id, p)
	}
}

// finish publishes the scan. Emitter failures are logged only; the summary is
// already immutable at this point.
func (o *Orchestrator) finish(ctx context.Context, summary *compliance.ScanSummary, results []compliance.CheckResult) {
	o.transition(summary.ScanID, PhaseDone)
	if o.recorder != nil {
		o.recorder.RecordScan(ctx, summary.Status, summary.EndTime.Sub(summary.StartTime))
	}
	if o.emitter == nil {
		return
	}
	if err := o.emitter.Emit(ctx, emitter.Report{Summary: summary, Results: results}); err != nil {
		o.logger.Warn().Err(err).Str("scan_id", summary.ScanID).Msg("emit failed")
	}
}

// sortErrors orders persistence errors by subject, leaving earlier steps in place.
func sortErrors(errs []compliance.StepError) {
	first := len(errs)
	for i, e := range errs {
		if e.Step == compliance.StepPersistence {
			first = i
			break
		}
	}
	tail := errs[first:]
	sort.SliceStable(tail, func(i, j int) bool { return tail[i].Subject < tail[j].Subject })
}

package scan

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/yairfalse/posture/internal/emitter"
	"github.com/yairfalse/posture/internal/plugin"
	"github.com/yairfalse/posture/internal/rules"
	"github.com/yairfalse/posture/internal/store"
	"github.com/yairfalse/posture/pkg/compliance"
	"github.com/yairfalse/posture/pkg/resource"
)

var testNow = time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

// faultyStore wraps a real store and fails selected operations.
type faultyStore struct {
	store.Store

	schemaErr   error
	schemaDelay time.Duration
	upsertErr func(kind resource.Kind, key string) error
	appendErr func(ruleID string) error
}

func (f *faultyStore) EnsureSchema(ctx context.Context) error {
	if f.schemaErr != nil {
		return f.schemaErr
	}
	if f.schemaDelay > 0 {
		select {
		case <-time.After(f.schemaDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.Store.EnsureSchema(ctx)
}

func (f *faultyStore) UpsertCurrent(ctx context.Context, kind resource.Kind, key string, record resource.Record) error {
	if f.upsertErr != nil {
		if err := f.upsertErr(kind, key); err != nil {
			return err
		}
	}
	return f.Store.UpsertCurrent(ctx, kind, key, record)
}

func (f *faultyStore) AppendResult(ctx context.Context, r compliance.CheckResult) error {
	if f.appendErr != nil {
		if err := f.appendErr(r.RuleID); err != nil {
			return err
		}
	}
	return f.Store.AppendResult(ctx, r)
}

type captureEmitter struct {
	mu      sync.Mutex
	reports []emitter.Report
}

func (c *captureEmitter) Emit(_ context.Context, r emitter.Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reports = append(c.reports, r)
	return nil
}

func (c *captureEmitter) Close() error { return nil }

func newBolt(t *testing.T) *store.BoltStore {
	t.Helper()
	s, err := store.OpenBolt(filepath.Join(t.TempDir(), "posture.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func provider(kind resource.Kind, fn func(ctx context.Context) ([]resource.Record, error)) plugin.Provider {
	return plugin.Func{K: kind, Fn: fn}
}

func records(recs ...resource.Record) func(context.Context) ([]resource.Record, error) {
	return func(context.Context) ([]resource.Record, error) { return recs, nil }
}

func failing(msg string) func(context.Context) ([]resource.Record, error) {
	return func(context.Context) ([]resource.Record, error) { return nil, errors.New(msg) }
}

// healthyProviders returns one provider per default rule dependency.
func healthyProviders() *plugin.Registry {
	reg := plugin.NewRegistry()
	reg.Register(provider(resource.KindBucket, records(
		resource.StorageBucket{Name: "assets", AccessPolicy: resource.PolicyPublic, EncryptionEnabled: true},
		resource.StorageBucket{Name: "backups", AccessPolicy: resource.PolicyPrivate, BlockPublicAccess: true, EncryptionEnabled: true},
		resource.StorageBucket{Name: "logs", AccessPolicy: resource.PolicyPrivate, BlockPublicAccess: true, EncryptionEnabled: true},
	)))
	reg.Register(provider(resource.KindAccount, records(resource.AccountSummary{AccountID: "123456789012", MFADevices: 1})))
	reg.Register(provider(resource.KindTrail, records(resource.AuditTrail{ARN: "arn:aws:cloudtrail:us-east-1:1:trail/main", Name: "main"})))
	reg.Register(provider(resource.KindSecurityGroup, records(resource.SecurityGroup{GroupID: "sg-1", GroupName: "default"})))
	reg.Register(provider(resource.KindDatabase, records()))
	reg.Register(provider(resource.KindKey, records()))
	reg.Register(provider(resource.KindInstance, records(resource.ComputeInstance{InstanceID: "i-1", State: "running"})))
	return reg
}

func newTestOrchestrator(providers *plugin.Registry, st store.Store, opts ...Option) *Orchestrator {
	engine := rules.NewEngine(rules.Default(), zerolog.Nop(), rules.WithClock(func() time.Time { return testNow }))
	opts = append([]Option{
		WithClock(func() time.Time { return testNow }),
		WithIDGenerator(func() string { return "scan-1" }),
	}, opts...)
	return New(providers, engine, st, Config{ProviderTimeout: time.Second, StoreTimeout: time.Second}, zerolog.Nop(), opts...)
}

func resultFor(t *testing.T, results []compliance.CheckResult, id string) compliance.CheckResult {
	t.Helper()
	for _, r := range results {
		if r.RuleID == id {
			return r
		}
	}
	t.Fatalf("no result for %s", id)
	return compliance.CheckResult{}
}

func assertCountsConsistent(t *testing.T, s *compliance.ScanSummary) {
	t.Helper()
	assert.Equal(t, s.ChecksPerformed, s.ChecksPassed+s.ChecksFailed+s.ChecksWarning)
}

func TestRun_HealthyScan(t *testing.T) {
	st := newBolt(t)
	capture := &captureEmitter{}
	var phases []Phase
	o := newTestOrchestrator(healthyProviders(), st,
		WithEmitter(capture),
		WithPhaseHook(func(_ string, p Phase) { phases = append(phases, p) }),
	)

	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "scan-1", summary.ScanID)
	assert.Equal(t, compliance.ScanCompleted, summary.Status)
	assert.Empty(t, summary.Errors)
	assert.Equal(t, 7, summary.ChecksPerformed)
	assert.Equal(t, 1, summary.ChecksFailed) // public "assets" bucket
	assert.Equal(t, 6, summary.ChecksPassed)
	assertCountsConsistent(t, summary)
	assert.Equal(t, 3, summary.Discovered[resource.KindBucket])
	assert.Equal(t, 0, summary.Discovered[resource.KindDatabase])
	assert.Equal(t, 3, summary.Persisted[resource.KindBucket])
	assert.Equal(t, 7, summary.ResultsPersisted)
	assert.Equal(t, []Phase{PhaseCreated, PhaseDiscovering, PhaseEvaluating, PhasePersisting, PhaseDone}, phases)

	stored, err := st.ListResults(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, stored, 7)
	for _, r := range stored {
		assert.Equal(t, "scan-1", r.ScanID)
	}

	require.Len(t, capture.reports, 1)
	exposure := resultFor(t, capture.reports[0].Results, "CIS-2.1.5")
	assert.Equal(t, compliance.StatusFail, exposure.Status)
	assert.Equal(t, "Found 1 public buckets: assets", exposure.Evidence)
	encryption := resultFor(t, capture.reports[0].Results, "CIS-2.1.1")
	assert.Equal(t, compliance.StatusPass, encryption.Status)
	assert.Equal(t, "All 3 S3 buckets have encryption enabled", encryption.Evidence)
}

func TestRun_IdentityProviderFailure(t *testing.T) {
	providers := healthyProviders()
	providers.Register(provider(resource.KindAccount, failing("AccessDenied: not authorized to perform iam:GetAccountSummary")))
	capture := &captureEmitter{}
	o := newTestOrchestrator(providers, newBolt(t), WithEmitter(capture))

	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, compliance.ScanCompletedWithErrors, summary.Status)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, compliance.StepDiscovery, summary.Errors[0].Step)
	assert.Equal(t, "iam_account", summary.Errors[0].Subject)
	assert.Contains(t, summary.Errors[0].Message, "AccessDenied")
	_, discovered := summary.Discovered[resource.KindAccount]
	assert.False(t, discovered)

	mfa := resultFor(t, capture.reports[0].Results, "CIS-1.5")
	assert.Equal(t, compliance.StatusWarning, mfa.Status)
	assert.Contains(t, mfa.Evidence, "iam_account")
	assertCountsConsistent(t, summary)
}

func TestRun_PartialBucketDiscovery(t *testing.T) {
	providers := healthyProviders()
	providers.Register(provider(resource.KindBucket, func(context.Context) ([]resource.Record, error) {
		partial := plugin.NewPartialError(resource.KindBucket)
		partial.Add("locked", errors.New("encryption: AccessDenied"))
		return []resource.Record{
			resource.StorageBucket{Name: "locked", AccessPolicy: resource.PolicyPrivate, BlockPublicAccess: true, Unreadable: []string{resource.AttrEncryption}},
			resource.StorageBucket{Name: "logs", AccessPolicy: resource.PolicyPrivate, BlockPublicAccess: true, EncryptionEnabled: true},
		}, partial.Err()
	}))
	st := newBolt(t)
	capture := &captureEmitter{}

	summary, err := newTestOrchestrator(providers, st, WithEmitter(capture)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, compliance.ScanCompletedWithErrors, summary.Status)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, compliance.StepDiscovery, summary.Errors[0].Step)
	assert.Equal(t, "s3_bucket/locked", summary.Errors[0].Subject)
	assert.Contains(t, summary.Errors[0].Message, "AccessDenied")
	assert.Equal(t, 2, summary.Discovered[resource.KindBucket])
	assert.Equal(t, 2, summary.Persisted[resource.KindBucket])

	encryption := resultFor(t, capture.reports[0].Results, "CIS-2.1.1")
	assert.Equal(t, compliance.StatusWarning, encryption.Status)
	assert.Equal(t, []string{"locked"}, encryption.AffectedResources)
	assert.Equal(t, 1, summary.Rules["CIS-2.1.1"].Warning)
	assert.Equal(t, compliance.StatusPass, resultFor(t, capture.reports[0].Results, "CIS-2.1.5").Status)
	assertCountsConsistent(t, summary)

	stored, err := st.ListCurrent(context.Background(), resource.KindBucket)
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

func TestRun_ProviderFailureKeepsPreviousInventory(t *testing.T) {
	st := newBolt(t)
	ctx := context.Background()

	summary, err := newTestOrchestrator(healthyProviders(), st).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, compliance.ScanCompleted, summary.Status)
	before, err := st.ListCurrent(ctx, resource.KindBucket)
	require.NoError(t, err)
	require.Len(t, before, 3)

	providers := healthyProviders()
	providers.Register(provider(resource.KindBucket, failing("throttled")))
	summary, err = newTestOrchestrator(providers, st).Run(ctx)
	require.NoError(t, err)

	after, err := st.ListCurrent(ctx, resource.KindBucket)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	assert.Equal(t, "s3_bucket", summary.Errors[0].Subject)

	// Both scans' results are kept.
	history, err := st.ListResults(ctx, "CIS-2.1.5")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, compliance.StatusWarning, history[0].Status)
}

func TestRun_SchemaFailure(t *testing.T) {
	st := &faultyStore{Store: newBolt(t), schemaErr: errors.New("create bucket: permission denied")}
	capture := &captureEmitter{}
	called := false
	providers := plugin.NewRegistry()
	providers.Register(provider(resource.KindBucket, func(context.Context) ([]resource.Record, error) {
		called = true
		return nil, nil
	}))

	summary, err := newTestOrchestrator(providers, st, WithEmitter(capture)).Run(context.Background())

	require.Error(t, err)
	require.NotNil(t, summary)
	assert.Equal(t, compliance.ScanFailed, summary.Status)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, compliance.StepInit, summary.Errors[0].Step)
	assert.Zero(t, summary.ChecksPerformed)
	assert.False(t, called)
	require.Len(t, capture.reports, 1)
	assert.Equal(t, compliance.ScanFailed, capture.reports[0].Summary.Status)
}

func TestRun_SchemaSetupOutlivesStoreTimeout(t *testing.T) {
	engine := rules.NewEngine(rules.Default(), zerolog.Nop())
	slow := func() store.Store { return &faultyStore{Store: newBolt(t), schemaDelay: 100 * time.Millisecond} }

	o := New(healthyProviders(), engine, slow(), Config{StoreTimeout: 20 * time.Millisecond, SchemaTimeout: 5 * time.Second}, zerolog.Nop())
	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, compliance.ScanCompleted, summary.Status)

	o = New(healthyProviders(), engine, slow(), Config{StoreTimeout: 5 * time.Second, SchemaTimeout: 20 * time.Millisecond}, zerolog.Nop())
	summary, err = o.Run(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, compliance.ScanFailed, summary.Status)
}

func TestRun_NoProviders(t *testing.T) {
	summary, err := newTestOrchestrator(plugin.NewRegistry(), newBolt(t)).Run(context.Background())
	assert.ErrorIs(t, err, ErrNoProviders)
	assert.Nil(t, summary)
}

func TestRun_ProviderTimeout(t *testing.T) {
	providers := healthyProviders()
	providers.Register(provider(resource.KindTrail, func(ctx context.Context) ([]resource.Record, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}))
	engine := rules.NewEngine(rules.Default(), zerolog.Nop())
	o := New(providers, engine, newBolt(t), Config{ProviderTimeout: 50 * time.Millisecond}, zerolog.Nop())

	start := time.Now()
	summary, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, compliance.ScanCompletedWithErrors, summary.Status)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "cloudtrail_trail", summary.Errors[0].Subject)
	assert.Contains(t, summary.Errors[0].Message, context.DeadlineExceeded.Error())
}

func TestRun_ProviderIgnoringContextStillTimesOut(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	providers := plugin.NewRegistry()
	providers.Register(provider(resource.KindTrail, func(context.Context) ([]resource.Record, error) {
		<-release
		return nil, nil
	}))
	engine := rules.NewEngine(rules.Default(), zerolog.Nop())
	o := New(providers, engine, newBolt(t), Config{ProviderTimeout: 20 * time.Millisecond}, zerolog.Nop())

	summary, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, compliance.ScanCompletedWithErrors, summary.Status)
}

func TestRun_ProviderPanicIsRecorded(t *testing.T) {
	providers := healthyProviders()
	providers.Register(provider(resource.KindKey, func(context.Context) ([]resource.Record, error) {
		panic("nil client")
	}))

	summary, err := newTestOrchestrator(providers, newBolt(t)).Run(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, "kms_key", summary.Errors[0].Subject)
	assert.Contains(t, summary.Errors[0].Message, "nil client")
}

func TestRun_PersistenceFailuresAreCountedOut(t *testing.T) {
	st := &faultyStore{
		Store: newBolt(t),
		upsertErr: func(kind resource.Kind, key string) error {
			if kind == resource.KindBucket && key == "logs" {
				return errors.New("write conflict")
			}
			return nil
		},
		appendErr: func(ruleID string) error {
			if ruleID == "CIS-3.1" {
				return errors.New("throughput exceeded")
			}
			return nil
		},
	}

	summary, err := newTestOrchestrator(healthyProviders(), st).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, compliance.ScanCompletedWithErrors, summary.Status)
	assert.Equal(t, 3, summary.Discovered[resource.KindBucket])
	assert.Equal(t, 2, summary.Persisted[resource.KindBucket])
	assert.Equal(t, 6, summary.ResultsPersisted)
	assert.Equal(t, 7, summary.ChecksPerformed)
	require.Len(t, summary.Errors, 2)
	assert.Equal(t, "CIS-3.1", summary.Errors[0].Subject)
	assert.Equal(t, "s3_bucket/logs", summary.Errors[1].Subject)
	for _, e := range summary.Errors {
		assert.Equal(t, compliance.StepPersistence, e.Step)
	}
}

func TestRun_RuleErrorIsRecorded(t *testing.T) {
	providers := healthyProviders()
	// An account summary list without the account makes the MFA rule error.
	providers.Register(provider(resource.KindAccount, records()))

	summary, err := newTestOrchestrator(providers, newBolt(t)).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, compliance.ScanCompletedWithErrors, summary.Status)
	require.Len(t, summary.Errors, 1)
	assert.Equal(t, compliance.StepEvaluation, summary.Errors[0].Step)
	assert.Equal(t, "CIS-1.5", summary.Errors[0].Subject)
	assert.Equal(t, 1, summary.Rules["CIS-1.5"].Warning)
}

func TestRun_RepeatedScansAppend(t *testing.T) {
	st := newBolt(t)
	ctx := context.Background()
	ids := []string{"scan-a", "scan-b"}
	n := 0
	o := newTestOrchestrator(healthyProviders(), st, WithIDGenerator(func() string {
		id := ids[n]
		n++
		return id
	}))

	for range ids {
		_, err := o.Run(ctx)
		require.NoError(t, err)
	}

	results, err := st.ListResults(ctx, "")
	require.NoError(t, err)
	assert.Len(t, results, 14)
	current, err := st.ListCurrent(ctx, resource.KindBucket)
	require.NoError(t, err)
	assert.Len(t, current, 3)
}

func TestRun_Traced(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer func() { _ = tp.Shutdown(context.Background()) }()

	engine := rules.NewEngine(rules.Default(), zerolog.Nop(), rules.WithTracer(tp.Tracer("posture/rules")))
	o := New(healthyProviders(), engine, newBolt(t), Config{}, zerolog.Nop(),
		WithIDGenerator(func() string { return "scan-1" }),
		WithTracer(tp.Tracer("posture/scan")),
	)

	_, err := o.Run(context.Background())
	require.NoError(t, err)

	names := make(map[string]int)
	var run sdktrace.ReadOnlySpan
	for _, s := range recorder.Ended() {
		names[s.Name()]++
		if s.Name() == "scan.run" {
			run = s
		}
	}
	assert.Equal(t, 1, names["scan.run"])
	assert.Equal(t, 1, names["scan.discover"])
	assert.Equal(t, 1, names["scan.persist"])
	assert.Equal(t, 7, names["rules.evaluate"])

	require.NotNil(t, run)
	assert.Contains(t, run.Attributes(), attribute.String("scan.id", "scan-1"))
	assert.Contains(t, run.Attributes(), attribute.String("scan.status", "COMPLETED"))
}

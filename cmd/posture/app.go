package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"

	"github.com/yairfalse/posture/internal/config"
	"github.com/yairfalse/posture/internal/daemon"
	"github.com/yairfalse/posture/internal/emitter"
	"github.com/yairfalse/posture/internal/filter"
	"github.com/yairfalse/posture/internal/plugin"
	"github.com/yairfalse/posture/internal/plugin/aws"
	"github.com/yairfalse/posture/internal/rules"
	"github.com/yairfalse/posture/internal/scan"
	"github.com/yairfalse/posture/internal/service"
	"github.com/yairfalse/posture/internal/store"
	"github.com/yairfalse/posture/internal/telemetry"
)

// app holds everything a command needs, built from the loaded config.
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	telemetry *telemetry.Provider
	store     store.Store
	closers   []io.Closer
}

// loadApp loads and validates config, then opens the store. Telemetry is
// only set up for commands that scan.
func loadApp(ctx context.Context, withTelemetry bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if regionFlag != "" {
		cfg.AWS.Region = regionFlag
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger, err := telemetry.NewLogger(cfg.Log, cfg.OTEL.ServiceName, os.Stderr)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, logger: logger}
	if withTelemetry {
		a.telemetry, err = telemetry.NewProvider(ctx, cfg.OTEL)
		if err != nil {
			return nil, fmt.Errorf("init telemetry: %w", err)
		}
	}

	a.store, err = openStore(ctx, cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendDynamoDB:
		opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.AWS.Region)}
		if cfg.AWS.Profile != "" {
			opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWS.Profile))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("load aws config: %w", err)
		}
		return store.NewDynamoDBStore(dynamodb.NewFromConfig(awsCfg), store.DynamoDBConfig{
			InventoryTable: cfg.Store.InventoryTable,
			ResultsTable:   cfg.Store.ResultsTable,
			CreateWait:     cfg.Store.CreateWait,
		}), nil
	default:
		s, err := store.OpenBolt(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
}

// readOnlyService answers queries without being able to scan.
func (a *app) readOnlyService() *service.Service {
	return service.New(nil, a.store, a.logger)
}

// scanningService wires providers, rules, metrics and emitters into a service.
func (a *app) scanningService(ctx context.Context) (*service.Service, error) {
	awsPlugin, err := aws.New(ctx, aws.Config{Region: a.cfg.AWS.Region, Profile: a.cfg.AWS.Profile}, a.logger)
	if err != nil {
		return nil, err
	}

	f, err := filter.New(a.cfg.Scanner.ExcludeKinds, a.cfg.Scanner.ExcludeResources)
	if err != nil {
		return nil, err
	}
	providers := plugin.NewRegistry()
	awsPlugin.Register(providers, f.ShouldScanKind)
	f.Apply(providers)

	tel := a.telemetry
	metrics, err := daemon.NewDaemonMetrics(tel.Meter(telemetry.ScopeDaemon))
	if err != nil {
		return nil, fmt.Errorf("create metrics: %w", err)
	}
	prom, err := emitter.NewPrometheusEmitter(tel.Meter(telemetry.ScopeReport), a.logger)
	if err != nil {
		return nil, fmt.Errorf("create emitter: %w", err)
	}
	emit := emitter.NewMultiEmitter(prom, emitter.NewLogEmitter(a.logger))
	a.closers = append(a.closers, emit)

	a.logger.Info().
		Str("region", a.cfg.AWS.Region).
		Str("account", awsPlugin.AccountID()).
		Str("store", a.cfg.Store.Backend).
		Int("providers", providers.Len()).
		Msg("scanner ready")

	engine := rules.NewEngine(rules.Default(), a.logger, rules.WithTracer(tel.Tracer(telemetry.ScopeRules)))
	orch := scan.New(providers, engine, a.store,
		scan.Config{
			ProviderTimeout: a.cfg.Scanner.ProviderTimeout,
			StoreTimeout:    a.cfg.Scanner.StoreTimeout,
			SchemaTimeout:   a.cfg.SchemaTimeout(),
		},
		a.logger,
		scan.WithTracer(tel.Tracer(telemetry.ScopeScan)),
		scan.WithEmitter(emit),
		scan.WithRecorder(metrics),
	)
	return service.New(orch, a.store, a.logger), nil
}

// Close releases the store, emitters and telemetry.
func (a *app) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close")
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("close store")
		}
	}
	if a.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.telemetry.Shutdown(ctx); err != nil {
			a.logger.Warn().Err(err).Msg("shutdown telemetry")
		}
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

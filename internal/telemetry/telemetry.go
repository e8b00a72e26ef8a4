// Package telemetry provides OpenTelemetry instrumentation and logging for posture.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/yairfalse/posture/internal/config"
)

// Instrumentation scopes handed to the scan components.
const (
	ScopeScan   = "posture/scan"
	ScopeRules  = "posture/rules"
	ScopeReport = "posture/report"
	ScopeDaemon = "posture/daemon"
)

// Provider owns the tracer and meter providers the scan components are
// built with. Nothing is installed globally.
//
// Scan metrics are always readable through MetricsHandler on a private
// registry. Spans and metrics are also pushed over OTLP when an endpoint is
// configured for them.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
	registry       *prometheus.Registry
}

// NewProvider builds the providers for cfg.
func NewProvider(ctx context.Context, cfg config.OTELConfig) (*Provider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	scrape, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("create prometheus exporter: %w", err)
	}

	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res), sdkmetric.WithReader(scrape)}

	if cfg.Endpoint != "" {
		creds := transportCredentials(cfg)
		if cfg.Traces.Enabled {
			exp, err := otlptracegrpc.New(ctx,
				otlptracegrpc.WithEndpoint(cfg.Endpoint),
				otlptracegrpc.WithTLSCredentials(creds),
			)
			if err != nil {
				return nil, fmt.Errorf("create trace exporter: %w", err)
			}
			traceOpts = append(traceOpts,
				sdktrace.WithBatcher(exp),
				sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Traces.SampleRate))),
			)
		}
		if cfg.Metrics.Enabled {
			exp, err := otlpmetricgrpc.New(ctx,
				otlpmetricgrpc.WithEndpoint(cfg.Endpoint),
				otlpmetricgrpc.WithTLSCredentials(creds),
			)
			if err != nil {
				return nil, fmt.Errorf("create metric exporter: %w", err)
			}
			meterOpts = append(meterOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exp)))
		}
	}

	return &Provider{
		tracerProvider: sdktrace.NewTracerProvider(traceOpts...),
		meterProvider:  sdkmetric.NewMeterProvider(meterOpts...),
		registry:       registry,
	}, nil
}

// transportCredentials picks plaintext or system-root TLS for the collector.
func transportCredentials(cfg config.OTELConfig) credentials.TransportCredentials {
	if cfg.Insecure {
		return insecure.NewCredentials()
	}
	return credentials.NewClientTLSFromCert(nil, "")
}

// Tracer returns the tracer for one instrumentation scope.
func (p *Provider) Tracer(scope string) trace.Tracer {
	return p.tracerProvider.Tracer(scope)
}

// Meter returns the meter for one instrumentation scope.
func (p *Provider) Meter(scope string) metric.Meter {
	return p.meterProvider.Meter(scope)
}

// MetricsHandler serves the Prometheus exposition of every instrument.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Shutdown flushes pending spans and metrics.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	if err := p.tracerProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracer: %w", err))
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("shutdown meter: %w", err))
	}
	return errors.Join(errs...)
}

package daemon

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/yairfalse/posture/pkg/compliance"
	"github.com/yairfalse/posture/pkg/resource"
)

// DaemonMetrics holds operational metrics using OTEL semantic conventions.
// It satisfies scan.Recorder.
type DaemonMetrics struct {
	scans               metric.Int64Counter
	scanDuration        metric.Float64Histogram
	resourcesDiscovered metric.Int64Gauge
	discoveryErrors     metric.Int64Counter
	storageOperations   metric.Int64Counter
}

// NewDaemonMetrics creates daemon metrics on meter.
func NewDaemonMetrics(meter metric.Meter) (*DaemonMetrics, error) {
	scans, err := meter.Int64Counter(
		"posture.daemon.scans",
		metric.WithDescription("Number of scan runs"),
		metric.WithUnit("{scan}"),
	)
	if err != nil {
		return nil, err
	}

	scanDuration, err := meter.Float64Histogram(
		"posture.daemon.scan.duration",
		metric.WithDescription("Duration of scans"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	resourcesDiscovered, err := meter.Int64Gauge(
		"posture.resources.discovered",
		metric.WithDescription("Number of cloud resources discovered"),
		metric.WithUnit("{resource}"),
	)
	if err != nil {
		return nil, err
	}

	discoveryErrors, err := meter.Int64Counter(
		"posture.discovery.errors",
		metric.WithDescription("Number of failed discovery calls"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	storageOperations, err := meter.Int64Counter(
		"posture.storage.operations",
		metric.WithDescription("Number of storage operations"),
		metric.WithUnit("{operation}"),
	)
	if err != nil {
		return nil, err
	}

	return &DaemonMetrics{
		scans:               scans,
		scanDuration:        scanDuration,
		resourcesDiscovered: resourcesDiscovered,
		discoveryErrors:     discoveryErrors,
		storageOperations:   storageOperations,
	}, nil
}

// RecordScan records a finished scan with its status and duration.
func (m *DaemonMetrics) RecordScan(ctx context.Context, status compliance.ScanStatus, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	m.scans.Add(ctx, 1, attrs)
	m.scanDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordDiscovery records one provider outcome.
func (m *DaemonMetrics) RecordDiscovery(ctx context.Context, kind resource.Kind, count int, err error) {
	kindAttr := attribute.String("resource.type", string(kind))
	if err != nil {
		m.discoveryErrors.Add(ctx, 1, metric.WithAttributes(kindAttr, attribute.String("error.type", errorType(err))))
		return
	}
	m.resourcesDiscovered.Record(ctx, int64(count), metric.WithAttributes(
		kindAttr,
		attribute.String("cloud.provider", "aws"),
	))
}

// RecordStoreOperation records a storage operation.
func (m *DaemonMetrics) RecordStoreOperation(ctx context.Context, operation string, err error) {
	attrs := []attribute.KeyValue{
		attribute.String("operation", operation),
		attribute.String("status", "success"),
	}
	if err != nil {
		attrs[1] = attribute.String("status", "error")
		attrs = append(attrs, attribute.String("error.type", errorType(err)))
	}

	m.storageOperations.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func errorType(err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

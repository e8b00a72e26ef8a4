package daemon

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/yairfalse/posture/internal/scan"
	"github.com/yairfalse/posture/pkg/compliance"
	"github.com/yairfalse/posture/pkg/resource"
)

var _ scan.Recorder = (*DaemonMetrics)(nil)

func findMetric(t *testing.T, reader *sdkmetric.ManualReader, name string) metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				return m
			}
		}
	}
	t.Fatalf("metric %s not found", name)
	return metricdata.Metrics{}
}

func newTestMetrics(t *testing.T, opts ...sdkmetric.Option) (*DaemonMetrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(append([]sdkmetric.Option{sdkmetric.WithReader(reader)}, opts...)...)
	dm, err := NewDaemonMetrics(provider.Meter("posture/daemon"))
	require.NoError(t, err)
	return dm, reader
}

// TestDaemonMetrics_RecordScan tests the scan counter and duration histogram
func TestDaemonMetrics_RecordScan(t *testing.T) {
	dm, reader := newTestMetrics(t)
	ctx := context.Background()

	dm.RecordScan(ctx, compliance.ScanCompleted, 5500*time.Millisecond)

	sum := findMetric(t, reader, "posture.daemon.scans").Data.(metricdata.Sum[int64])
	require.Len(t, sum.DataPoints, 1)
	assert.Equal(t, int64(1), sum.DataPoints[0].Value)
	assert.Contains(t, sum.DataPoints[0].Attributes.ToSlice(), attribute.String("status", "COMPLETED"))

	hist := findMetric(t, reader, "posture.daemon.scan.duration").Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, 5.5, hist.DataPoints[0].Sum)
	assert.Equal(t, uint64(1), hist.DataPoints[0].Count)
}

// TestDaemonMetrics_RecordDiscovery tests the resource gauge and error counter
func TestDaemonMetrics_RecordDiscovery(t *testing.T) {
	dm, reader := newTestMetrics(t)
	ctx := context.Background()

	dm.RecordDiscovery(ctx, resource.KindBucket, 42, nil)
	dm.RecordDiscovery(ctx, resource.KindAccount, 0, context.DeadlineExceeded)

	gauge := findMetric(t, reader, "posture.resources.discovered").Data.(metricdata.Gauge[int64])
	require.Len(t, gauge.DataPoints, 1)
	assert.Equal(t, int64(42), gauge.DataPoints[0].Value)
	attrs := gauge.DataPoints[0].Attributes.ToSlice()
	assert.Contains(t, attrs, attribute.String("resource.type", "s3_bucket"))
	assert.Contains(t, attrs, attribute.String("cloud.provider", "aws"))

	errs := findMetric(t, reader, "posture.discovery.errors").Data.(metricdata.Sum[int64])
	require.Len(t, errs.DataPoints, 1)
	assert.Contains(t, errs.DataPoints[0].Attributes.ToSlice(), attribute.String("error.type", "timeout"))
}

// TestDaemonMetrics_RecordStoreOperation tests storage operations counter
func TestDaemonMetrics_RecordStoreOperation(t *testing.T) {
	dm, reader := newTestMetrics(t)
	ctx := context.Background()

	dm.RecordStoreOperation(ctx, "append_result", nil)
	dm.RecordStoreOperation(ctx, "append_result", errors.New("throttled"))

	sum := findMetric(t, reader, "posture.storage.operations").Data.(metricdata.Sum[int64])
	assert.Len(t, sum.DataPoints, 2)

	var sawFailure bool
	for _, dp := range sum.DataPoints {
		attrs := dp.Attributes.ToSlice()
		if !assert.Contains(t, attrs, attribute.String("operation", "append_result")) {
			continue
		}
		for _, a := range attrs {
			if a.Key == "status" && a.Value.AsString() == "error" {
				sawFailure = true
				assert.Contains(t, attrs, attribute.String("error.type", "error"))
			}
		}
	}
	assert.True(t, sawFailure, "failure should carry error.type")
}

// TestDaemonMetrics_HistogramBuckets tests explicit bucket boundaries
func TestDaemonMetrics_HistogramBuckets(t *testing.T) {
	view := sdkmetric.NewView(
		sdkmetric.Instrument{Name: "posture.daemon.scan.duration"},
		sdkmetric.Stream{
			Aggregation: sdkmetric.AggregationExplicitBucketHistogram{
				Boundaries: []float64{1, 5, 10, 30, 60, 120, 300},
			},
		},
	)
	dm, reader := newTestMetrics(t, sdkmetric.WithView(view))
	ctx := context.Background()

	for _, d := range []float64{0.5, 3.0, 8.0, 25.0, 45.0, 90.0, 180.0} {
		dm.RecordScan(ctx, compliance.ScanCompleted, time.Duration(d*float64(time.Second)))
	}

	hist := findMetric(t, reader, "posture.daemon.scan.duration").Data.(metricdata.Histogram[float64])
	require.Len(t, hist.DataPoints, 1)
	assert.Equal(t, []float64{1, 5, 10, 30, 60, 120, 300}, hist.DataPoints[0].Bounds)
	assert.Equal(t, uint64(7), hist.DataPoints[0].Count)
}

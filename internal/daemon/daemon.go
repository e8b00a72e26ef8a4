// Package daemon triggers scans on a fixed interval.
package daemon

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yairfalse/posture/internal/service"
	"github.com/yairfalse/posture/pkg/compliance"
)

// Scanner runs one scan.
type Scanner interface {
	TriggerScan(ctx context.Context) (*compliance.ScanSummary, error)
}

// Config holds daemon configuration
type Config struct {
	Interval time.Duration
	// RunOnStart triggers a scan before the first tick.
	RunOnStart bool
}

// Daemon manages continuous scanning. A failed scan is recorded and the
// next tick tries again; the daemon itself never retries.
type Daemon struct {
	interval   time.Duration
	runOnStart bool
	scanner    Scanner
	logger     zerolog.Logger
	startTime  time.Time
	scanCount  atomic.Int64
	failCount  atomic.Int64
	skipCount  atomic.Int64

	mu   sync.RWMutex
	last *compliance.ScanSummary
}

// NewDaemon creates a new daemon instance
func NewDaemon(config Config, scanner Scanner, logger zerolog.Logger) (*Daemon, error) {
	if config.Interval <= 0 {
		return nil, errors.New("daemon: interval must be positive")
	}
	if scanner == nil {
		return nil, errors.New("daemon: scanner required")
	}
	return &Daemon{
		interval:   config.Interval,
		runOnStart: config.RunOnStart,
		scanner:    scanner,
		logger:     logger.With().Str("component", "daemon").Logger(),
		startTime:  time.Now(),
	}, nil
}

// Start begins the daemon's scan loop. It returns nil when ctx is canceled.
func (d *Daemon) Start(ctx context.Context) error {
	d.logger.Info().Dur("interval", d.interval).Msg("daemon started")

	if d.runOnStart {
		d.runScan(ctx)
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info().Int64("scans", d.scanCount.Load()).Msg("daemon stopped")
			return nil
		case <-ticker.C:
			d.runScan(ctx)
		}
	}
}

// runScan triggers one scan. A tick that lands while another scan is running
// is skipped, not failed.
func (d *Daemon) runScan(ctx context.Context) {
	summary, err := d.scanner.TriggerScan(ctx)
	if errors.Is(err, service.ErrScanInProgress) {
		d.skipCount.Add(1)
		d.logger.Info().Msg("scan already running, skipping tick")
		return
	}
	d.scanCount.Add(1)
	if summary != nil {
		d.mu.Lock()
		d.last = summary
		d.mu.Unlock()
	}
	if err != nil {
		d.failCount.Add(1)
		if ctx.Err() == nil {
			d.logger.Error().Err(err).Msg("scan could not run")
		}
	}
}

// Health returns daemon health status
func (d *Daemon) Health() HealthStatus {
	h := HealthStatus{
		Status: "healthy",
		Uptime: int64(time.Since(d.startTime).Seconds()),
		Scans:  d.scanCount.Load(),
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.last != nil {
		h.LastScanID = d.last.ScanID
		h.LastScanStatus = d.last.Status
		h.LastScanEnd = d.last.EndTime
		if d.last.Status == compliance.ScanFailed {
			h.Status = "degraded"
		}
	}
	return h
}

// HealthStatus represents daemon health
type HealthStatus struct {
	Status         string                `json:"status"`
	Uptime         int64                 `json:"uptime_seconds"`
	Scans          int64                 `json:"scans"`
	LastScanID     string                `json:"last_scan_id,omitempty"`
	LastScanStatus compliance.ScanStatus `json:"last_scan_status,omitempty"`
	LastScanEnd    time.Time             `json:"last_scan_end,omitempty"`
}

// ScanCount returns total scans triggered
func (d *Daemon) ScanCount() int64 {
	return d.scanCount.Load()
}

// FailedScanCount returns scans that could not begin
func (d *Daemon) FailedScanCount() int64 {
	return d.failCount.Load()
}

// SkippedScanCount returns ticks skipped because a scan was already running
func (d *Daemon) SkippedScanCount() int64 {
	return d.skipCount.Load()
}

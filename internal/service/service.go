// Package service is the caller-facing surface of posture: trigger a scan,
// read the current inventory, read check results and the dashboard summary.
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/yairfalse/posture/internal/store"
	"github.com/yairfalse/posture/pkg/compliance"
	"github.com/yairfalse/posture/pkg/resource"
)

// ErrScanInProgress is returned when a scan is triggered while another runs.
var ErrScanInProgress = errors.New("scan already in progress")

// ErrReadOnly is returned by TriggerScan on a service built without a Runner.
var ErrReadOnly = errors.New("service has no scanner")

// Runner runs one scan.
type Runner interface {
	Run(ctx context.Context) (*compliance.ScanSummary, error)
}

// Reader is the read side of the result store.
type Reader interface {
	store.InventoryReader
	store.ResultReader
}

// Service serializes scans and answers read queries.
type Service struct {
	runner Runner
	reader Reader
	logger zerolog.Logger

	running atomic.Bool

	mu   sync.RWMutex
	last *compliance.ScanSummary
}

// New creates a service. A nil runner gives a read-only service.
func New(runner Runner, reader Reader, logger zerolog.Logger) *Service {
	return &Service{
		runner: runner,
		reader: reader,
		logger: logger.With().Str("component", "service").Logger(),
	}
}

// TriggerScan runs a scan now. At most one scan runs at a time.
// The summary is returned even when err is non-nil if the scan got far
// enough to produce one.
func (s *Service) TriggerScan(ctx context.Context) (*compliance.ScanSummary, error) {
	if s.runner == nil {
		return nil, ErrReadOnly
	}
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn().Msg("scan rejected, another scan is running")
		return nil, ErrScanInProgress
	}
	defer s.running.Store(false)

	summary, err := s.runner.Run(ctx)
	if summary != nil {
		s.mu.Lock()
		s.last = summary
		s.mu.Unlock()
	}
	return summary, err
}

// Scanning reports whether a scan is running.
func (s *Service) Scanning() bool {
	return s.running.Load()
}

// LastScan returns the most recent scan summary, or nil.
func (s *Service) LastScan() *compliance.ScanSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// CurrentInventory returns the stored records of kind.
func (s *Service) CurrentInventory(ctx context.Context, kind resource.Kind) ([]resource.Record, error) {
	if _, err := resource.ParseKind(string(kind)); err != nil {
		return nil, err
	}
	records, err := s.reader.ListCurrent(ctx, kind)
	if err != nil {
		return nil, fmt.Errorf("current inventory: %w", err)
	}
	return records, nil
}

// CheckResults returns the result history newest first. An empty ruleID
// returns every rule.
func (s *Service) CheckResults(ctx context.Context, ruleID string) ([]compliance.CheckResult, error) {
	results, err := s.reader.ListResults(ctx, ruleID)
	if err != nil {
		return nil, fmt.Errorf("check results: %w", err)
	}
	return results, nil
}

// LatestResults returns the newest result of every rule, ordered by rule id.
func (s *Service) LatestResults(ctx context.Context) ([]compliance.CheckResult, error) {
	all, err := s.CheckResults(ctx, "")
	if err != nil {
		return nil, err
	}
	return latestPerRule(all), nil
}

// latestPerRule keeps the first result seen per rule; the input is newest first.
func latestPerRule(results []compliance.CheckResult) []compliance.CheckResult {
	seen := make(map[string]bool)
	latest := make([]compliance.CheckResult, 0)
	for _, r := range results {
		if seen[r.RuleID] {
			continue
		}
		seen[r.RuleID] = true
		latest = append(latest, r)
	}
	sort.Slice(latest, func(i, j int) bool { return latest[i].RuleID < latest[j].RuleID })
	return latest
}

// Dashboard is the derived summary view.
type Dashboard struct {
	Resources      map[resource.Kind]int `json:"resources"`
	TotalInstances int                   `json:"total_instances"`
	TotalBuckets   int                   `json:"total_buckets"`
	TotalChecks    int                   `json:"total_checks"`
	PassedChecks   int                   `json:"passed_checks"`
	FailedChecks   int                   `json:"failed_checks"`
	WarningChecks  int                   `json:"warning_checks"`
	ComplianceRate int                   `json:"compliance_rate"`
	LastScanAt     *time.Time            `json:"last_scan_at,omitempty"`
	LastScanStatus compliance.ScanStatus `json:"last_scan_status,omitempty"`
}

// Dashboard counts the stored inventory and the latest verdict per rule.
func (s *Service) Dashboard(ctx context.Context) (Dashboard, error) {
	d := Dashboard{Resources: make(map[resource.Kind]int)}

	for _, kind := range resource.Kinds() {
		records, err := s.CurrentInventory(ctx, kind)
		if err != nil {
			return Dashboard{}, err
		}
		d.Resources[kind] = len(records)
	}
	d.TotalInstances = d.Resources[resource.KindInstance]
	d.TotalBuckets = d.Resources[resource.KindBucket]

	latest, err := s.LatestResults(ctx)
	if err != nil {
		return Dashboard{}, err
	}
	var tally compliance.Tally
	for _, r := range latest {
		tally.Add(r.Status)
	}
	d.TotalChecks = tally.Total()
	d.PassedChecks = tally.Passed
	d.FailedChecks = tally.Failed
	d.WarningChecks = tally.Warning
	d.ComplianceRate = compliance.ComplianceRate(tally.Passed, tally.Total())

	if last := s.LastScan(); last != nil {
		end := last.EndTime
		d.LastScanAt = &end
		d.LastScanStatus = last.Status
	}
	return d, nil
}

// Package emitter publishes finished scans to observability backends.
package emitter

import (
	"context"
	"errors"

	"github.com/yairfalse/posture/pkg/compliance"
)

// Report is what a finished scan hands to emitters.
type Report struct {
	Summary *compliance.ScanSummary
	Results []compliance.CheckResult
}

// Emitter outputs finished scans to a backend.
type Emitter interface {
	// Emit publishes one scan report.
	Emit(ctx context.Context, report Report) error

	// Close cleans up resources.
	Close() error
}

// MultiEmitter fans out to multiple emitters.
type MultiEmitter struct {
	emitters []Emitter
}

// NewMultiEmitter creates an emitter that sends to multiple backends.
func NewMultiEmitter(emitters ...Emitter) *MultiEmitter {
	return &MultiEmitter{emitters: emitters}
}

// Emit sends to every emitter, even after one fails, and joins the errors.
func (m *MultiEmitter) Emit(ctx context.Context, report Report) error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Emit(ctx, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close closes all emitters.
func (m *MultiEmitter) Close() error {
	var errs []error
	for _, e := range m.emitters {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

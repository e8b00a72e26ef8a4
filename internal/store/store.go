// Package store persists the current inventory and the check result history.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/yairfalse/posture/pkg/compliance"
	"github.com/yairfalse/posture/pkg/resource"
)

// ErrSchema means the backing structures could not be prepared at all.
var ErrSchema = errors.New("store schema unavailable")

// InventoryWriter stores the current state of resources.
type InventoryWriter interface {
	// UpsertCurrent is idempotent: last write wins by (kind, key).
	UpsertCurrent(ctx context.Context, kind resource.Kind, key string, record resource.Record) error
}

// InventoryReader queries the current state of resources.
type InventoryReader interface {
	// ListCurrent returns records ordered by key. A kind never written is empty, not an error.
	ListCurrent(ctx context.Context, kind resource.Kind) ([]resource.Record, error)
}

// ResultWriter appends check results. Results are never overwritten.
type ResultWriter interface {
	AppendResult(ctx context.Context, result compliance.CheckResult) error
}

// ResultReader queries check result history.
type ResultReader interface {
	// ListResults returns results newest first. An empty ruleID matches every rule.
	ListResults(ctx context.Context, ruleID string) ([]compliance.CheckResult, error)
}

// Lifecycle manages store lifecycle.
type Lifecycle interface {
	// EnsureSchema creates missing backing structures. Failure wraps ErrSchema.
	EnsureSchema(ctx context.Context) error
	Close() error
}

// Store is the complete result store combining all capabilities.
type Store interface {
	InventoryWriter
	InventoryReader
	ResultWriter
	ResultReader
	Lifecycle
}

func encodeRecord(record resource.Record) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode %s %s: %w", record.Kind(), record.Key(), err)
	}
	return data, nil
}

func encodeResult(result compliance.CheckResult) ([]byte, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode result %s: %w", result.RuleID, err)
	}
	return data, nil
}

func decodeResult(data []byte) (compliance.CheckResult, error) {
	var r compliance.CheckResult
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("decode result: %w", err)
	}
	return r, nil
}

// validateUpsert rejects a record filed under the wrong identity.
func validateUpsert(kind resource.Kind, key string, record resource.Record) error {
	if record == nil {
		return errors.New("upsert: nil record")
	}
	if key == "" {
		return fmt.Errorf("upsert %s: empty key", kind)
	}
	if record.Kind() != kind {
		return fmt.Errorf("upsert %s: record is %s", kind, record.Kind())
	}
	return nil
}

// sortNewestFirst orders results by timestamp descending, then rule id.
func sortNewestFirst(results []compliance.CheckResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if !results[i].Timestamp.Equal(results[j].Timestamp) {
			return results[i].Timestamp.After(results[j].Timestamp)
		}
		return results[i].RuleID < results[j].RuleID
	})
}

package plugin

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/yairfalse/posture/pkg/resource"
)

// PartialError is returned by Discover together with its records when some
// resources could only be described in part. Their records are still valid;
// the unread attributes hold defaults.
type PartialError struct {
	Kind     resource.Kind
	Failures map[string]error
}

// NewPartialError creates an empty PartialError for kind.
func NewPartialError(kind resource.Kind) *PartialError {
	return &PartialError{Kind: kind, Failures: make(map[string]error)}
}

// Add records a failure for the resource with key. Repeated failures join.
func (e *PartialError) Add(key string, err error) {
	if err == nil {
		return
	}
	e.Failures[key] = errors.Join(e.Failures[key], err)
}

// Keys returns the failed resource keys in order.
func (e *PartialError) Keys() []string {
	keys := make([]string, 0, len(e.Failures))
	for k := range e.Failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Err returns e, or nil when nothing failed.
func (e *PartialError) Err() error {
	if len(e.Failures) == 0 {
		return nil
	}
	return e
}

func (e *PartialError) Error() string {
	keys := e.Keys()
	return fmt.Sprintf("discover %s: %d incomplete: %s", e.Kind, len(keys), strings.Join(keys, ", "))
}

// Package resource defines the resource records discovered by a posture scan.
package resource

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind is a category of cloud resource with its own discovery provider.
type Kind string

const (
	KindInstance      Kind = "ec2_instance"
	KindBucket        Kind = "s3_bucket"
	KindSecurityGroup Kind = "security_group"
	KindTrail         Kind = "cloudtrail_trail"
	KindAccount       Kind = "iam_account"
	KindDatabase      Kind = "rds_instance"
	KindKey           Kind = "kms_key"
)

// Kinds lists every known kind in a stable order.
func Kinds() []Kind {
	return []Kind{
		KindInstance,
		KindBucket,
		KindSecurityGroup,
		KindTrail,
		KindAccount,
		KindDatabase,
		KindKey,
	}
}

// ParseKind validates a kind name.
func ParseKind(s string) (Kind, error) {
	for _, k := range Kinds() {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown resource kind %q", s)
}

// Record is an immutable snapshot of one discovered resource.
// Records are created fresh on every discovery call and never mutated.
type Record interface {
	Kind() Kind
	// Key is the kind-specific natural key (instance id, bucket name...).
	Key() string
	ObservedAt() time.Time
}

// Of returns the records of concrete type T, preserving order.
func Of[T Record](records []Record) []T {
	out := make([]T, 0, len(records))
	for _, r := range records {
		if t, ok := r.(T); ok {
			out = append(out, t)
		}
	}
	return out
}

// Keys returns the natural keys of records, preserving order.
func Keys(records []Record) []string {
	keys := make([]string, len(records))
	for i, r := range records {
		keys[i] = r.Key()
	}
	return keys
}

// Decode unmarshals a stored record of the given kind.
func Decode(kind Kind, data []byte) (Record, error) {
	var (
		rec Record
		err error
	)
	switch kind {
	case KindInstance:
		rec, err = decodeAs[ComputeInstance](data)
	case KindBucket:
		rec, err = decodeAs[StorageBucket](data)
	case KindSecurityGroup:
		rec, err = decodeAs[SecurityGroup](data)
	case KindTrail:
		rec, err = decodeAs[AuditTrail](data)
	case KindAccount:
		rec, err = decodeAs[AccountSummary](data)
	case KindDatabase:
		rec, err = decodeAs[DatabaseInstance](data)
	case KindKey:
		rec, err = decodeAs[EncryptionKey](data)
	default:
		return nil, fmt.Errorf("decode: unknown resource kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", kind, err)
	}
	return rec, nil
}

func decodeAs[T Record](data []byte) (Record, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/yairfalse/posture/internal/inventory"
	"github.com/yairfalse/posture/pkg/compliance"
	"github.com/yairfalse/posture/pkg/resource"
)

// bucketExposurePolicy flags a bucket when its policy is public or its
// public access block is not fully enabled. Either condition alone fails.
// A bucket that is not flagged but has an unread exposure attribute is
// undetermined.
const bucketExposurePolicy = `package posture.storage

unread(b, attr) if {
	some u in b.unreadable
	u == attr
}

public_buckets contains b.bucket_name if {
	some b in input.buckets
	b.access_policy == "PUBLIC"
}

public_buckets contains b.bucket_name if {
	some b in input.buckets
	not b.block_public_access
	not unread(b, "public_access_block")
}

undetermined_buckets contains b.bucket_name if {
	some b in input.buckets
	not b.bucket_name in public_buckets
	some attr in ["access_policy", "public_access_block"]
	unread(b, attr)
}
`

// BucketExposureRule is CIS-2.1.5.
type BucketExposureRule struct {
	once  sync.Once
	query rego.PreparedEvalQuery
	err   error
}

// NewBucketExposureRule creates the storage exposure rule.
func NewBucketExposureRule() *BucketExposureRule {
	return &BucketExposureRule{}
}

func (r *BucketExposureRule) Meta() Metadata {
	return Metadata{
		ID:          "CIS-2.1.5",
		Version:     1,
		Title:       "S3 Buckets Not Publicly Accessible",
		Description: "Ensure that S3 buckets are not publicly accessible",
		Severity:    compliance.SeverityHigh,
		Remediation: "Enable S3 Block Public Access for all buckets and remove public bucket policies",
	}
}

func (r *BucketExposureRule) Requires() []resource.Kind {
	return []resource.Kind{resource.KindBucket}
}

func (r *BucketExposureRule) prepare() (rego.PreparedEvalQuery, error) {
	r.once.Do(func() {
		r.query, r.err = rego.New(
			rego.Query("public := data.posture.storage.public_buckets; undetermined := data.posture.storage.undetermined_buckets"),
			rego.Module("storage.rego", bucketExposurePolicy),
		).PrepareForEval(context.Background())
		if r.err != nil {
			r.err = fmt.Errorf("compile storage policy: %w", r.err)
		}
	})
	return r.query, r.err
}

func (r *BucketExposureRule) Evaluate(ctx context.Context, inv inventory.Snapshot) (Verdict, error) {
	records, _ := inv.Get(resource.KindBucket)
	buckets := resource.Of[resource.StorageBucket](records)

	query, err := r.prepare()
	if err != nil {
		return Verdict{}, err
	}

	rs, err := query.Eval(ctx, rego.EvalInput(map[string]any{"buckets": buckets}))
	if err != nil {
		return Verdict{}, fmt.Errorf("evaluate storage policy: %w", err)
	}
	if len(rs) == 0 {
		return Verdict{}, errors.New("storage policy returned no result")
	}
	public, err := stringSet(rs[0].Bindings["public"])
	if err != nil {
		return Verdict{}, err
	}
	unknown, err := stringSet(rs[0].Bindings["undetermined"])
	if err != nil {
		return Verdict{}, err
	}

	switch {
	case len(public) > 0:
		return offending("Found %d public buckets: %s", public), nil
	case len(unknown) > 0:
		return undetermined("Could not read exposure settings of %d buckets: %s", unknown), nil
	}
	return Verdict{
		Status:   compliance.StatusPass,
		Evidence: fmt.Sprintf("All %d S3 buckets are private", len(buckets)),
	}, nil
}

// stringSet converts a policy set value into sorted strings.
func stringSet(value any) ([]string, error) {
	if value == nil {
		return nil, nil
	}
	values, ok := value.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected policy result type %T", value)
	}
	out := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("unexpected policy value %v", v)
		}
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// BucketEncryptionRule is CIS-2.1.1.
type BucketEncryptionRule struct{}

func (BucketEncryptionRule) Meta() Metadata {
	return Metadata{
		ID:          "CIS-2.1.1",
		Version:     1,
		Title:       "S3 Bucket Encryption Enabled",
		Description: "Ensure all S3 buckets employ encryption-at-rest",
		Severity:    compliance.SeverityMedium,
		Remediation: "Enable default encryption (AES-256 or AWS-KMS) for all S3 buckets",
	}
}

func (BucketEncryptionRule) Requires() []resource.Kind {
	return []resource.Kind{resource.KindBucket}
}

func (BucketEncryptionRule) Evaluate(_ context.Context, inv inventory.Snapshot) (Verdict, error) {
	records, _ := inv.Get(resource.KindBucket)
	buckets := resource.Of[resource.StorageBucket](records)

	var unencrypted, unknown []string
	for _, b := range buckets {
		switch {
		case !b.Readable(resource.AttrEncryption):
			unknown = append(unknown, b.Name)
		case !b.EncryptionEnabled:
			unencrypted = append(unencrypted, b.Name)
		}
	}
	switch {
	case len(unencrypted) > 0:
		return offending("Found %d unencrypted buckets: %s", unencrypted), nil
	case len(unknown) > 0:
		return undetermined("Could not read encryption of %d buckets: %s", unknown), nil
	}
	return Verdict{
		Status:   compliance.StatusPass,
		Evidence: fmt.Sprintf("All %d S3 buckets have encryption enabled", len(buckets)),
	}, nil
}

// offending builds a FAIL verdict over ids sorted by natural key.
func offending(format string, ids []string) Verdict {
	return listed(compliance.StatusFail, format, ids)
}

// undetermined builds a WARNING verdict for resources that could not be judged.
func undetermined(format string, ids []string) Verdict {
	return listed(compliance.StatusWarning, format, ids)
}

func listed(status compliance.Status, format string, ids []string) Verdict {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return Verdict{
		Status:   status,
		Evidence: fmt.Sprintf(format, len(sorted), strings.Join(sorted, ", ")),
		Affected: sorted,
	}
}

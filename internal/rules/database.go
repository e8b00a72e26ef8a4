package rules

import (
	"context"
	"fmt"

	"github.com/yairfalse/posture/internal/inventory"
	"github.com/yairfalse/posture/pkg/compliance"
	"github.com/yairfalse/posture/pkg/resource"
)

// DatabaseExposureRule is CIS-2.3.3.
type DatabaseExposureRule struct{}

func (DatabaseExposureRule) Meta() Metadata {
	return Metadata{
		ID:          "CIS-2.3.3",
		Version:     1,
		Title:       "RDS Instances Not Publicly Accessible",
		Description: "Ensure that public access is not given to RDS instances",
		Severity:    compliance.SeverityHigh,
		Remediation: "Disable public accessibility for RDS instances and place them in private subnets",
	}
}

func (DatabaseExposureRule) Requires() []resource.Kind {
	return []resource.Kind{resource.KindDatabase}
}

func (DatabaseExposureRule) Evaluate(_ context.Context, inv inventory.Snapshot) (Verdict, error) {
	records, _ := inv.Get(resource.KindDatabase)
	dbs := resource.Of[resource.DatabaseInstance](records)

	var public []string
	for _, db := range dbs {
		if db.PubliclyAccessible {
			public = append(public, db.Identifier)
		}
	}
	if len(public) == 0 {
		return Verdict{
			Status:   compliance.StatusPass,
			Evidence: fmt.Sprintf("All %d RDS instances are private", len(dbs)),
		}, nil
	}
	return offending("Found %d publicly accessible RDS instances: %s", public), nil
}

package rules

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/yairfalse/posture/internal/inventory"
	"github.com/yairfalse/posture/pkg/compliance"
	"github.com/yairfalse/posture/pkg/resource"
)

// RootMFARule is CIS-1.5.
type RootMFARule struct{}

func (RootMFARule) Meta() Metadata {
	return Metadata{
		ID:          "CIS-1.5",
		Version:     1,
		Title:       "IAM Root Account MFA Enabled",
		Description: "Ensure MFA is enabled for the root account",
		Severity:    compliance.SeverityHigh,
		Remediation: "Enable MFA for the root account immediately. Use virtual MFA or hardware MFA device.",
	}
}

func (RootMFARule) Requires() []resource.Kind {
	return []resource.Kind{resource.KindAccount}
}

func (RootMFARule) Evaluate(_ context.Context, inv inventory.Snapshot) (Verdict, error) {
	records, _ := inv.Get(resource.KindAccount)
	accounts := resource.Of[resource.AccountSummary](records)
	if len(accounts) == 0 {
		return Verdict{}, errors.New("no account summary discovered")
	}

	var missing []string
	for _, a := range accounts {
		if a.MFADevices == 0 {
			missing = append(missing, a.AccountID)
		}
	}
	if len(missing) == 0 {
		return Verdict{
			Status:   compliance.StatusPass,
			Evidence: "MFA is enabled for the root account",
		}, nil
	}
	sort.Strings(missing)
	return Verdict{
		Status:   compliance.StatusFail,
		Evidence: "MFA is NOT enabled for the root account",
		Affected: missing,
	}, nil
}

// AuditTrailRule is CIS-3.1.
type AuditTrailRule struct{}

func (AuditTrailRule) Meta() Metadata {
	return Metadata{
		ID:          "CIS-3.1",
		Version:     1,
		Title:       "CloudTrail Enabled",
		Description: "Ensure CloudTrail is enabled in all regions",
		Severity:    compliance.SeverityHigh,
		Remediation: "Enable CloudTrail in all regions for audit logging and compliance",
	}
}

func (AuditTrailRule) Requires() []resource.Kind {
	return []resource.Kind{resource.KindTrail}
}

func (AuditTrailRule) Evaluate(_ context.Context, inv inventory.Snapshot) (Verdict, error) {
	trails, _ := inv.Get(resource.KindTrail)
	if len(trails) == 0 {
		return Verdict{
			Status:   compliance.StatusFail,
			Evidence: "No CloudTrail trails found",
		}, nil
	}
	return Verdict{
		Status:   compliance.StatusPass,
		Evidence: fmt.Sprintf("Found %d CloudTrail trail(s) configured", len(trails)),
	}, nil
}

// KeyRotationRule covers customer managed KMS keys without automatic rotation.
type KeyRotationRule struct{}

func (KeyRotationRule) Meta() Metadata {
	return Metadata{
		ID:          "CIS-3.6",
		Version:     1,
		Title:       "KMS Key Rotation Enabled",
		Description: "Ensure rotation for customer created symmetric CMKs is enabled",
		Severity:    compliance.SeverityMedium,
		Remediation: "Enable automatic key rotation for all customer managed symmetric KMS keys",
	}
}

func (KeyRotationRule) Requires() []resource.Kind {
	return []resource.Kind{resource.KindKey}
}

func (KeyRotationRule) Evaluate(_ context.Context, inv inventory.Snapshot) (Verdict, error) {
	records, _ := inv.Get(resource.KindKey)
	keys := resource.Of[resource.EncryptionKey](records)

	checked := 0
	var unrotated []string
	for _, k := range keys {
		// Rotation applies only to enabled symmetric keys.
		if k.State != "Enabled" || k.Spec != "SYMMETRIC_DEFAULT" {
			continue
		}
		checked++
		if !k.RotationEnabled {
			unrotated = append(unrotated, k.KeyID)
		}
	}
	if len(unrotated) == 0 {
		return Verdict{
			Status:   compliance.StatusPass,
			Evidence: fmt.Sprintf("All %d customer managed keys have rotation enabled", checked),
		}, nil
	}
	return offending("Found %d keys without rotation: %s", unrotated), nil
}

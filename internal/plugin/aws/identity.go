package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	kmstypes "github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	rdstypes "github.com/aws/aws-sdk-go-v2/service/rds/types"

	"github.com/yairfalse/posture/pkg/resource"
)

// discoverAccount reads the IAM account summary of the primary account.
func (p *Plugin) discoverAccount(ctx context.Context) ([]resource.Record, error) {
	output, err := p.iamClient.GetAccountSummary(ctx, &iam.GetAccountSummaryInput{})
	if err != nil {
		return nil, fmt.Errorf("get account summary: %w", err)
	}

	summary := output.SummaryMap
	return []resource.Record{resource.AccountSummary{
		AccountID:    p.accountID,
		MFADevices:   summary["AccountMFAEnabled"],
		Users:        summary["Users"],
		AccessKeys:   summary["AccountAccessKeysPresent"],
		DiscoveredAt: p.now(),
	}}, nil
}

// discoverTrails lists CloudTrail trails, including ones shadowed from other regions.
func (p *Plugin) discoverTrails(ctx context.Context) ([]resource.Record, error) {
	output, err := p.cloudtrailClient.DescribeTrails(ctx, &cloudtrail.DescribeTrailsInput{
		IncludeShadowTrails: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("describe trails: %w", err)
	}

	records := make([]resource.Record, 0, len(output.TrailList))
	for _, t := range output.TrailList {
		records = append(records, resource.AuditTrail{
			Name:                 aws.ToString(t.Name),
			ARN:                  aws.ToString(t.TrailARN),
			HomeRegion:           aws.ToString(t.HomeRegion),
			MultiRegion:          aws.ToBool(t.IsMultiRegionTrail),
			LogFileValidation:    aws.ToBool(t.LogFileValidationEnabled),
			CloudWatchLogGroup:   aws.ToString(t.CloudWatchLogsLogGroupArn),
			S3BucketName:         aws.ToString(t.S3BucketName),
			IncludesGlobalEvents: aws.ToBool(t.IncludeGlobalServiceEvents),
			DiscoveredAt:         p.now(),
		})
	}
	return records, nil
}

// discoverDatabases lists RDS instances.
func (p *Plugin) discoverDatabases(ctx context.Context) ([]resource.Record, error) {
	var records []resource.Record
	var marker *string

	for {
		output, err := p.rdsClient.DescribeDBInstances(ctx, &rds.DescribeDBInstancesInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("describe db instances: %w", err)
		}

		for _, instance := range output.DBInstances {
			records = append(records, p.convertDatabase(instance))
		}

		if output.Marker == nil {
			break
		}
		marker = output.Marker
	}

	return records, nil
}

func (p *Plugin) convertDatabase(instance rdstypes.DBInstance) resource.DatabaseInstance {
	return resource.DatabaseInstance{
		Identifier:         aws.ToString(instance.DBInstanceIdentifier),
		Engine:             aws.ToString(instance.Engine),
		InstanceClass:      aws.ToString(instance.DBInstanceClass),
		Status:             aws.ToString(instance.DBInstanceStatus),
		PubliclyAccessible: aws.ToBool(instance.PubliclyAccessible),
		StorageEncrypted:   aws.ToBool(instance.StorageEncrypted),
		MultiAZ:            aws.ToBool(instance.MultiAZ),
		DiscoveredAt:       p.now(),
	}
}

// discoverKeys lists customer managed KMS keys with their rotation status.
// AWS managed keys are skipped.
func (p *Plugin) discoverKeys(ctx context.Context) ([]resource.Record, error) {
	var records []resource.Record
	var marker *string

	for {
		output, err := p.kmsClient.ListKeys(ctx, &kms.ListKeysInput{Marker: marker})
		if err != nil {
			return nil, fmt.Errorf("list keys: %w", err)
		}

		for _, entry := range output.Keys {
			key, ok, err := p.describeKey(ctx, aws.ToString(entry.KeyId))
			if err != nil {
				return nil, err
			}
			if ok {
				records = append(records, key)
			}
		}

		if !output.Truncated || output.NextMarker == nil {
			break
		}
		marker = output.NextMarker
	}

	return records, nil
}

func (p *Plugin) describeKey(ctx context.Context, keyID string) (resource.EncryptionKey, bool, error) {
	desc, err := p.kmsClient.DescribeKey(ctx, &kms.DescribeKeyInput{KeyId: aws.String(keyID)})
	if err != nil {
		return resource.EncryptionKey{}, false, fmt.Errorf("describe key %s: %w", keyID, err)
	}
	meta := desc.KeyMetadata
	if meta == nil || meta.KeyManager != kmstypes.KeyManagerTypeCustomer {
		return resource.EncryptionKey{}, false, nil
	}

	key := resource.EncryptionKey{
		KeyID:        keyID,
		ARN:          aws.ToString(meta.Arn),
		State:        string(meta.KeyState),
		Spec:         string(meta.KeySpec),
		DiscoveredAt: p.now(),
	}
	if meta.KeyState != kmstypes.KeyStateEnabled || meta.KeySpec != kmstypes.KeySpecSymmetricDefault {
		return key, true, nil
	}

	rot, err := p.kmsClient.GetKeyRotationStatus(ctx, &kms.GetKeyRotationStatusInput{KeyId: aws.String(keyID)})
	if err != nil {
		return resource.EncryptionKey{}, false, fmt.Errorf("get key rotation status %s: %w", keyID, err)
	}
	key.RotationEnabled = rot.KeyRotationEnabled
	return key, true, nil
}

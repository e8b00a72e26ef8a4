package aws

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/yairfalse/posture/internal/plugin"
	"github.com/yairfalse/posture/pkg/resource"
)

// discoverBuckets lists S3 buckets and reads each one's exposure settings.
// Only ListBuckets failing fails the provider. A bucket with failed reads is
// still returned, marked unreadable, and reported in a *plugin.PartialError.
func (p *Plugin) discoverBuckets(ctx context.Context) ([]resource.Record, error) {
	output, err := p.s3Client.ListBuckets(ctx, &s3.ListBucketsInput{})
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}

	partial := plugin.NewPartialError(resource.KindBucket)
	records := make([]resource.Record, 0, len(output.Buckets))
	for _, bucket := range output.Buckets {
		r, err := p.describeBucket(ctx, bucket)
		if err != nil {
			p.logger.Warn().Err(err).Str("bucket", r.Name).Strs("unreadable", r.Unreadable).Msg("bucket partially described")
			partial.Add(r.Name, err)
		}
		records = append(records, r)
	}
	return records, partial.Err()
}

func (p *Plugin) describeBucket(ctx context.Context, bucket s3types.Bucket) (resource.StorageBucket, error) {
	name := aws.ToString(bucket.Name)
	r := resource.StorageBucket{
		Name:         name,
		CreationDate: resource.NotAvailable,
		DiscoveredAt: p.now(),
	}
	if bucket.CreationDate != nil {
		r.CreationDate = bucket.CreationDate.UTC().Format("2006-01-02T15:04:05Z")
	}

	var errs []error
	record := func(attr string, err error) {
		if err != nil {
			r.Unreadable = append(r.Unreadable, attr)
			errs = append(errs, fmt.Errorf("%s: %w", attr, err))
		}
	}

	var err error
	r.Region, err = p.bucketRegion(ctx, name)
	record(resource.AttrRegion, err)
	r.EncryptionEnabled, r.EncryptionType, err = p.bucketEncryption(ctx, name)
	record(resource.AttrEncryption, err)
	r.AccessPolicy, err = p.bucketAccessPolicy(ctx, name)
	record(resource.AttrAccessPolicy, err)
	r.BlockPublicAccess, err = p.publicAccessBlocked(ctx, name)
	record(resource.AttrPublicAccessBlock, err)
	r.VersioningEnabled, err = p.versioningEnabled(ctx, name)
	record(resource.AttrVersioning, err)

	return r, errors.Join(errs...)
}

func (p *Plugin) bucketRegion(ctx context.Context, name string) (string, error) {
	out, err := p.s3Client.GetBucketLocation(ctx, &s3.GetBucketLocationInput{Bucket: aws.String(name)})
	if err != nil {
		return "unknown", err
	}
	switch loc := string(out.LocationConstraint); loc {
	case "":
		return "us-east-1", nil
	case "EU":
		return "eu-west-1", nil
	default:
		return loc, nil
	}
}

// bucketEncryption reports a bucket with any default encryption configuration
// as encrypted. The type is the first rule's SSE algorithm, or NONE.
func (p *Plugin) bucketEncryption(ctx context.Context, name string) (bool, string, error) {
	out, err := p.s3Client.GetBucketEncryption(ctx, &s3.GetBucketEncryptionInput{Bucket: aws.String(name)})
	if err != nil {
		if isNotConfigured(err, "ServerSideEncryptionConfigurationNotFoundError") {
			return false, "NONE", nil
		}
		return false, "NONE", err
	}
	if out.ServerSideEncryptionConfiguration == nil || len(out.ServerSideEncryptionConfiguration.Rules) == 0 {
		return true, "NONE", nil
	}
	def := out.ServerSideEncryptionConfiguration.Rules[0].ApplyServerSideEncryptionByDefault
	if def == nil || def.SSEAlgorithm == "" {
		return true, "NONE", nil
	}
	return true, string(def.SSEAlgorithm), nil
}

func (p *Plugin) bucketAccessPolicy(ctx context.Context, name string) (string, error) {
	out, err := p.s3Client.GetBucketPolicyStatus(ctx, &s3.GetBucketPolicyStatusInput{Bucket: aws.String(name)})
	if err != nil {
		if isNotConfigured(err, "NoSuchBucketPolicy") {
			return resource.PolicyPrivate, nil
		}
		return resource.PolicyUnknown, err
	}
	if out.PolicyStatus != nil && aws.ToBool(out.PolicyStatus.IsPublic) {
		return resource.PolicyPublic, nil
	}
	return resource.PolicyPrivate, nil
}

// publicAccessBlocked is true only when all four block flags are set.
func (p *Plugin) publicAccessBlocked(ctx context.Context, name string) (bool, error) {
	out, err := p.s3Client.GetPublicAccessBlock(ctx, &s3.GetPublicAccessBlockInput{Bucket: aws.String(name)})
	if err != nil {
		if isNotConfigured(err, "NoSuchPublicAccessBlockConfiguration") {
			return false, nil
		}
		return false, err
	}
	cfg := out.PublicAccessBlockConfiguration
	if cfg == nil {
		return false, nil
	}
	return aws.ToBool(cfg.BlockPublicAcls) &&
		aws.ToBool(cfg.BlockPublicPolicy) &&
		aws.ToBool(cfg.IgnorePublicAcls) &&
		aws.ToBool(cfg.RestrictPublicBuckets), nil
}

func (p *Plugin) versioningEnabled(ctx context.Context, name string) (bool, error) {
	out, err := p.s3Client.GetBucketVersioning(ctx, &s3.GetBucketVersioningInput{Bucket: aws.String(name)})
	if err != nil {
		return false, err
	}
	return out.Status == s3types.BucketVersioningStatusEnabled, nil
}

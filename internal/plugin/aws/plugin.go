// Package aws implements the AWS inventory providers for posture.
package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudtrail"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog"

	"github.com/yairfalse/posture/internal/plugin"
	"github.com/yairfalse/posture/pkg/resource"
)

// Plugin holds the AWS clients shared by every provider.
type Plugin struct {
	region    string
	accountID string
	logger    zerolog.Logger
	now       func() time.Time

	// AWS clients (interfaces for testability)
	ec2Client        EC2API
	s3Client         S3API
	iamClient        IAMAPI
	cloudtrailClient CloudTrailAPI
	rdsClient        RDSAPI
	kmsClient        KMSAPI
}

// Config holds AWS plugin configuration.
type Config struct {
	Region  string
	Profile string
}

// New creates a new AWS plugin. Credentials come from the default chain.
func New(ctx context.Context, cfg Config, logger zerolog.Logger) (*Plugin, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	p := &Plugin{
		region:           cfg.Region,
		logger:           logger.With().Str("plugin", "aws").Logger(),
		now:              time.Now,
		ec2Client:        ec2.NewFromConfig(awsCfg),
		s3Client:         s3.NewFromConfig(awsCfg),
		iamClient:        iam.NewFromConfig(awsCfg),
		cloudtrailClient: cloudtrail.NewFromConfig(awsCfg),
		rdsClient:        rds.NewFromConfig(awsCfg),
		kmsClient:        kms.NewFromConfig(awsCfg),
	}

	accountID, err := getAccountID(ctx, p.ec2Client)
	if err != nil {
		p.logger.Warn().Err(err).Msg("could not resolve account id")
		accountID = "unknown"
	}
	p.accountID = accountID
	return p, nil
}

func getAccountID(ctx context.Context, client EC2API) (string, error) {
	output, err := client.DescribeAccountAttributes(ctx, &ec2.DescribeAccountAttributesInput{})
	if err != nil {
		return "", fmt.Errorf("describe account attributes: %w", err)
	}

	for _, attr := range output.AccountAttributes {
		if aws.ToString(attr.AttributeName) == "account-id" && len(attr.AttributeValues) > 0 {
			return aws.ToString(attr.AttributeValues[0].AttributeValue), nil
		}
	}

	return "unknown", nil
}

// Name returns the plugin identifier.
func (p *Plugin) Name() string {
	return "aws"
}

// AccountID returns the account the plugin discovers.
func (p *Plugin) AccountID() string {
	return p.accountID
}

// Providers returns one provider per resource kind.
func (p *Plugin) Providers() []plugin.Provider {
	return []plugin.Provider{
		plugin.Func{K: resource.KindInstance, Fn: p.discoverInstances},
		plugin.Func{K: resource.KindBucket, Fn: p.discoverBuckets},
		plugin.Func{K: resource.KindSecurityGroup, Fn: p.discoverSecurityGroups},
		plugin.Func{K: resource.KindTrail, Fn: p.discoverTrails},
		plugin.Func{K: resource.KindAccount, Fn: p.discoverAccount},
		plugin.Func{K: resource.KindDatabase, Fn: p.discoverDatabases},
		plugin.Func{K: resource.KindKey, Fn: p.discoverKeys},
	}
}

// Register adds every provider whose kind passes keep to reg.
func (p *Plugin) Register(reg *plugin.Registry, keep func(resource.Kind) bool) {
	for _, provider := range p.Providers() {
		if keep != nil && !keep(provider.Kind()) {
			p.logger.Debug().Str("kind", string(provider.Kind())).Msg("provider excluded")
			continue
		}
		reg.Register(provider)
	}
}

// isNotConfigured reports whether err means the sub-resource was never set up.
func isNotConfigured(err error, codes ...string) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		for _, c := range codes {
			if apiErr.ErrorCode() == c {
				return true
			}
		}
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) && respErr.HTTPStatusCode() == 404 {
		return true
	}
	return false
}

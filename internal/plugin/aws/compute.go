package aws

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/yairfalse/posture/pkg/resource"
)

// discoverInstances lists EC2 instances.
func (p *Plugin) discoverInstances(ctx context.Context) ([]resource.Record, error) {
	var records []resource.Record
	var nextToken *string

	for {
		output, err := p.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe instances: %w", err)
		}

		for _, reservation := range output.Reservations {
			for _, instance := range reservation.Instances {
				records = append(records, p.convertInstance(instance))
			}
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return records, nil
}

func (p *Plugin) convertInstance(instance ec2types.Instance) resource.ComputeInstance {
	r := resource.ComputeInstance{
		InstanceID:   aws.ToString(instance.InstanceId),
		InstanceType: string(instance.InstanceType),
		Region:       p.region,
		PublicIP:     orNotAvailable(instance.PublicIpAddress),
		PrivateIP:    orNotAvailable(instance.PrivateIpAddress),
		LaunchTime:   resource.NotAvailable,
		DiscoveredAt: p.now(),
	}
	if instance.State != nil {
		r.State = string(instance.State.Name)
	}
	if instance.Placement != nil {
		r.AvailabilityZone = aws.ToString(instance.Placement.AvailabilityZone)
		if region := regionFromZone(r.AvailabilityZone); region != "" {
			r.Region = region
		}
	}
	if instance.LaunchTime != nil {
		r.LaunchTime = instance.LaunchTime.UTC().Format(time.RFC3339)
	}
	for _, sg := range instance.SecurityGroups {
		r.SecurityGroups = append(r.SecurityGroups, aws.ToString(sg.GroupId))
	}
	return r
}

// regionFromZone strips the zone letter: us-east-1a -> us-east-1.
func regionFromZone(az string) string {
	if len(az) < 2 {
		return ""
	}
	last := az[len(az)-1]
	if last < 'a' || last > 'z' {
		return az
	}
	return az[:len(az)-1]
}

func orNotAvailable(s *string) string {
	if v := aws.ToString(s); v != "" {
		return v
	}
	return resource.NotAvailable
}

// discoverSecurityGroups lists security groups with their ingress rules.
func (p *Plugin) discoverSecurityGroups(ctx context.Context) ([]resource.Record, error) {
	var records []resource.Record
	var nextToken *string

	for {
		output, err := p.ec2Client.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("describe security groups: %w", err)
		}

		for _, sg := range output.SecurityGroups {
			records = append(records, p.convertSecurityGroup(sg))
		}

		if output.NextToken == nil {
			break
		}
		nextToken = output.NextToken
	}

	return records, nil
}

func (p *Plugin) convertSecurityGroup(sg ec2types.SecurityGroup) resource.SecurityGroup {
	r := resource.SecurityGroup{
		GroupID:      aws.ToString(sg.GroupId),
		GroupName:    aws.ToString(sg.GroupName),
		VpcID:        aws.ToString(sg.VpcId),
		DiscoveredAt: p.now(),
	}
	for _, perm := range sg.IpPermissions {
		rule := resource.IngressRule{
			Protocol: aws.ToString(perm.IpProtocol),
			FromPort: aws.ToInt32(perm.FromPort),
			ToPort:   aws.ToInt32(perm.ToPort),
		}
		for _, ipr := range perm.IpRanges {
			rule.CIDRs = append(rule.CIDRs, aws.ToString(ipr.CidrIp))
		}
		for _, ipr := range perm.Ipv6Ranges {
			rule.IPv6CIDRs = append(rule.IPv6CIDRs, aws.ToString(ipr.CidrIpv6))
		}
		r.Ingress = append(r.Ingress, rule)
	}
	return r
}

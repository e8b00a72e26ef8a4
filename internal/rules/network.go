package rules

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/yairfalse/posture/internal/inventory"
	"github.com/yairfalse/posture/pkg/compliance"
	"github.com/yairfalse/posture/pkg/resource"
)

// Administrative ports that must never be open to the world.
var adminPorts = []struct {
	port  int32
	label string
}{
	{22, "22 (SSH)"},
	{3389, "3389 (RDP)"},
}

// NetworkExposureRule is CIS-5.2.
type NetworkExposureRule struct{}

func (NetworkExposureRule) Meta() Metadata {
	return Metadata{
		ID:          "CIS-5.2",
		Version:     1,
		Title:       "Security Groups Restricted Access",
		Description: "Ensure no security groups allow ingress from 0.0.0.0/0 to remote server administration ports",
		Severity:    compliance.SeverityHigh,
		Remediation: "Restrict security group rules to specific IP addresses. Never use 0.0.0.0/0 for SSH or RDP",
	}
}

func (NetworkExposureRule) Requires() []resource.Kind {
	return []resource.Kind{resource.KindSecurityGroup}
}

func (NetworkExposureRule) Evaluate(_ context.Context, inv inventory.Snapshot) (Verdict, error) {
	records, _ := inv.Get(resource.KindSecurityGroup)
	groups := resource.Of[resource.SecurityGroup](records)
	sort.Slice(groups, func(i, j int) bool { return groups[i].GroupID < groups[j].GroupID })

	var (
		affected []string
		findings []string
	)
	for _, g := range groups {
		open := false
		for i, rule := range g.Ingress {
			cidr, ok := worldCIDR(rule)
			if !ok {
				continue
			}
			ports := exposedPorts(rule)
			if len(ports) == 0 {
				continue
			}
			open = true
			findings = append(findings, fmt.Sprintf("%s (%s) rule #%d %s %s from %s exposes %s",
				g.GroupID, g.GroupName, i+1, protocolName(rule.Protocol), portRange(rule), cidr,
				strings.Join(ports, ", ")))
		}
		if open {
			affected = append(affected, g.GroupID)
		}
	}

	if len(affected) == 0 {
		return Verdict{
			Status:   compliance.StatusPass,
			Evidence: fmt.Sprintf("All %d security groups are properly restricted", len(groups)),
		}, nil
	}
	return Verdict{
		Status: compliance.StatusFail,
		Evidence: fmt.Sprintf("Found %d security group(s) with unrestricted access: %s",
			len(affected), strings.Join(findings, "; ")),
		Affected: affected,
	}, nil
}

func worldCIDR(rule resource.IngressRule) (string, bool) {
	for _, c := range rule.CIDRs {
		if c == "0.0.0.0/0" {
			return c, true
		}
	}
	for _, c := range rule.IPv6CIDRs {
		if c == "::/0" {
			return c, true
		}
	}
	return "", false
}

func allTraffic(rule resource.IngressRule) bool {
	return rule.Protocol == "-1" || rule.Protocol == "all"
}

// exposedPorts returns labels of the admin ports inside the rule's port range.
func exposedPorts(rule resource.IngressRule) []string {
	switch strings.ToLower(rule.Protocol) {
	case "icmp", "icmpv6", "1", "58":
		return nil
	}
	from, to := rule.FromPort, rule.ToPort
	if allTraffic(rule) {
		from, to = 0, 65535
	}
	var out []string
	for _, p := range adminPorts {
		if from <= p.port && p.port <= to {
			out = append(out, p.label)
		}
	}
	return out
}

func protocolName(p string) string {
	if p == "-1" {
		return "all"
	}
	return p
}

func portRange(rule resource.IngressRule) string {
	if allTraffic(rule) {
		return "ports 0-65535"
	}
	if rule.FromPort == rule.ToPort {
		return fmt.Sprintf("port %d", rule.FromPort)
	}
	return fmt.Sprintf("ports %d-%d", rule.FromPort, rule.ToPort)
}

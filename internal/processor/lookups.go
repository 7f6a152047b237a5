package processor

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/yairfalse/asgdns/internal/hostname"
)

// FetchIPFromCompute returns the public or private address of an instance.
func (p *Processor) FetchIPFromCompute(ctx context.Context, instanceID string) (string, error) {
	p.logger.Info().Ctx(ctx).Str("instance_id", instanceID).Msg("fetching ip from ec2")

	output, err := p.ec2Client.DescribeInstances(ctx, &ec2.DescribeInstancesInput{
		InstanceIds: []string{instanceID},
	})
	if err != nil {
		return "", fmt.Errorf("describe instance %s: %w", instanceID, err)
	}
	if len(output.Reservations) == 0 || len(output.Reservations[0].Instances) == 0 {
		return "", fmt.Errorf("%w: %s", ErrInstanceNotFound, instanceID)
	}

	instance := output.Reservations[0].Instances[0]
	kind, ip := "private", aws.ToString(instance.PrivateIpAddress)
	if p.usePublicIP {
		kind, ip = "public", aws.ToString(instance.PublicIpAddress)
	}
	if ip == "" {
		return "", fmt.Errorf("%w: %s has no %s ip", ErrNoAddress, instanceID, kind)
	}

	p.logger.Info().Ctx(ctx).Str("instance_id", instanceID).Str("kind", kind).Str("ip", ip).Msg("found ip")
	return ip, nil
}

// FetchIPFromDNS returns the value of the A record currently stored for hostname.
func (p *Processor) FetchIPFromDNS(ctx context.Context, name, zoneID string) (string, error) {
	p.logger.Info().Ctx(ctx).Str("hostname", name).Str("zone_id", zoneID).Msg("fetching ip from route53")

	output, err := p.dnsClient.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(zoneID),
		StartRecordName: aws.String(name),
		StartRecordType: r53types.RRTypeA,
		MaxItems:        aws.Int32(1),
	})
	if err != nil {
		return "", fmt.Errorf("list record sets for %s: %w", name, err)
	}

	// The listing starts at name but returns the next record when name is absent.
	if len(output.ResourceRecordSets) == 0 {
		return "", fmt.Errorf("%w: %s A in %s", ErrRecordNotFound, name, zoneID)
	}
	rrs := output.ResourceRecordSets[0]
	if rrs.Type != r53types.RRTypeA || !sameName(aws.ToString(rrs.Name), name) || len(rrs.ResourceRecords) == 0 {
		return "", fmt.Errorf("%w: %s A in %s", ErrRecordNotFound, name, zoneID)
	}

	ip := aws.ToString(rrs.ResourceRecords[0].Value)
	p.logger.Info().Ctx(ctx).Str("hostname", name).Str("ip", ip).Msg("found ip")
	return ip, nil
}

// FetchTagMetadata reads the hostname pattern and zone id tagged on an ASG.
func (p *Processor) FetchTagMetadata(ctx context.Context, asgName string) (hostname.Metadata, error) {
	p.logger.Info().Ctx(ctx).Str("asg", asgName).Msg("fetching tags")

	output, err := p.asgClient.DescribeTags(ctx, &autoscaling.DescribeTagsInput{
		Filters: []asgtypes.Filter{
			{Name: aws.String("auto-scaling-group"), Values: []string{asgName}},
			{Name: aws.String("key"), Values: []string{p.tagKey}},
		},
		MaxRecords: aws.Int32(1),
	})
	if err != nil {
		return hostname.Metadata{}, fmt.Errorf("describe tags for %s: %w", asgName, err)
	}
	if len(output.Tags) == 0 {
		return hostname.Metadata{}, fmt.Errorf("%w: %s on %s", ErrTagNotFound, p.tagKey, asgName)
	}

	value := aws.ToString(output.Tags[0].Value)
	p.logger.Info().Ctx(ctx).Str("asg", asgName).Str("value", value).Msg("found tags")

	return hostname.ParseTag(value)
}

// BuildHostname expands pattern for one instance. Exactly one token is
// substituted: instance-count, else instance-index, else instanceid.
// A pattern without any token fails before any AWS call.
func (p *Processor) BuildHostname(ctx context.Context, pattern, instanceID, asgName string) (string, error) {
	tok, err := hostname.Select(pattern)
	if err != nil {
		p.logger.Error().Ctx(ctx).Str("pattern", pattern).Msg("hostname pattern must contain instanceid, instance-count or instance-index")
		return "", err
	}

	var value string
	switch tok {
	case hostname.TokenInstanceCount:
		group, err := p.describeGroup(ctx, asgName)
		if err != nil {
			return "", err
		}
		value = strconv.Itoa(int(aws.ToInt32(group.DesiredCapacity)))
	case hostname.TokenInstanceIndex:
		group, err := p.describeGroup(ctx, asgName)
		if err != nil {
			return "", err
		}
		idx := slices.IndexFunc(group.Instances, func(i asgtypes.Instance) bool {
			return aws.ToString(i.InstanceId) == instanceID
		})
		if idx < 0 {
			return "", fmt.Errorf("%w: %s in %s", ErrInstanceNotInGroup, instanceID, asgName)
		}
		value = strconv.Itoa(idx)
	default:
		value = instanceID
	}

	return hostname.Expand(pattern, tok, value), nil
}

func (p *Processor) describeGroup(ctx context.Context, asgName string) (asgtypes.AutoScalingGroup, error) {
	output, err := p.asgClient.DescribeAutoScalingGroups(ctx, &autoscaling.DescribeAutoScalingGroupsInput{
		AutoScalingGroupNames: []string{asgName},
	})
	if err != nil {
		return asgtypes.AutoScalingGroup{}, fmt.Errorf("describe auto scaling group %s: %w", asgName, err)
	}
	if len(output.AutoScalingGroups) == 0 {
		return asgtypes.AutoScalingGroup{}, fmt.Errorf("%w: %s", ErrGroupNotFound, asgName)
	}
	return output.AutoScalingGroups[0], nil
}

// sameName compares DNS names ignoring case and the trailing root dot.
func sameName(a, b string) bool {
	return strings.EqualFold(strings.TrimSuffix(a, "."), strings.TrimSuffix(b, "."))
}

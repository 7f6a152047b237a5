package processor

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/autoscaling"
	asgtypes "github.com/aws/aws-sdk-go-v2/service/autoscaling/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/yairfalse/asgdns/internal/awsapi"
)

// mockEC2Client implements awsapi.EC2API for testing.
type mockEC2Client struct {
	DescribeInstancesFunc func(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	CreateTagsFunc        func(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error)

	createTagsCalls []*ec2.CreateTagsInput
	describeCalls   int
}

func (m *mockEC2Client) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	m.describeCalls++
	if m.DescribeInstancesFunc != nil {
		return m.DescribeInstancesFunc(ctx, params, optFns...)
	}
	return &ec2.DescribeInstancesOutput{}, nil
}

func (m *mockEC2Client) CreateTags(ctx context.Context, params *ec2.CreateTagsInput, optFns ...func(*ec2.Options)) (*ec2.CreateTagsOutput, error) {
	m.createTagsCalls = append(m.createTagsCalls, params)
	if m.CreateTagsFunc != nil {
		return m.CreateTagsFunc(ctx, params, optFns...)
	}
	return &ec2.CreateTagsOutput{}, nil
}

// mockASGClient implements awsapi.AutoScalingAPI for testing.
type mockASGClient struct {
	DescribeTagsFunc              func(ctx context.Context, params *autoscaling.DescribeTagsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeTagsOutput, error)
	DescribeAutoScalingGroupsFunc func(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error)
	CompleteLifecycleActionFunc   func(ctx context.Context, params *autoscaling.CompleteLifecycleActionInput, optFns ...func(*autoscaling.Options)) (*autoscaling.CompleteLifecycleActionOutput, error)

	describeTagsCalls   int
	describeGroupsCalls int
	completeCalls       []*autoscaling.CompleteLifecycleActionInput
}

func (m *mockASGClient) DescribeTags(ctx context.Context, params *autoscaling.DescribeTagsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeTagsOutput, error) {
	m.describeTagsCalls++
	if m.DescribeTagsFunc != nil {
		return m.DescribeTagsFunc(ctx, params, optFns...)
	}
	return &autoscaling.DescribeTagsOutput{}, nil
}

func (m *mockASGClient) DescribeAutoScalingGroups(ctx context.Context, params *autoscaling.DescribeAutoScalingGroupsInput, optFns ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	m.describeGroupsCalls++
	if m.DescribeAutoScalingGroupsFunc != nil {
		return m.DescribeAutoScalingGroupsFunc(ctx, params, optFns...)
	}
	return &autoscaling.DescribeAutoScalingGroupsOutput{}, nil
}

func (m *mockASGClient) CompleteLifecycleAction(ctx context.Context, params *autoscaling.CompleteLifecycleActionInput, optFns ...func(*autoscaling.Options)) (*autoscaling.CompleteLifecycleActionOutput, error) {
	m.completeCalls = append(m.completeCalls, params)
	if m.CompleteLifecycleActionFunc != nil {
		return m.CompleteLifecycleActionFunc(ctx, params, optFns...)
	}
	return &autoscaling.CompleteLifecycleActionOutput{}, nil
}

// fakeRoute53 is an in-memory hosted zone store. DELETE must match the
// stored record exactly, as Route53 requires.
type fakeRoute53 struct {
	zones   map[string]map[string]r53types.ResourceRecordSet
	changes []*route53.ChangeResourceRecordSetsInput
}

func newFakeRoute53() *fakeRoute53 {
	return &fakeRoute53{zones: make(map[string]map[string]r53types.ResourceRecordSet)}
}

func fqdn(name string) string {
	return strings.ToLower(strings.TrimSuffix(name, ".")) + "."
}

func (f *fakeRoute53) put(zoneID, name, ip string) {
	if f.zones[zoneID] == nil {
		f.zones[zoneID] = make(map[string]r53types.ResourceRecordSet)
	}
	f.zones[zoneID][fqdn(name)] = r53types.ResourceRecordSet{
		Name:            aws.String(fqdn(name)),
		Type:            r53types.RRTypeA,
		TTL:             aws.Int64(RecordTTL),
		ResourceRecords: []r53types.ResourceRecord{{Value: aws.String(ip)}},
	}
}

func (f *fakeRoute53) ListResourceRecordSets(_ context.Context, params *route53.ListResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error) {
	zone := f.zones[aws.ToString(params.HostedZoneId)]
	names := make([]string, 0, len(zone))
	for name := range zone {
		names = append(names, name)
	}
	sort.Strings(names)

	start := fqdn(aws.ToString(params.StartRecordName))
	out := &route53.ListResourceRecordSetsOutput{}
	for _, name := range names {
		if name >= start {
			out.ResourceRecordSets = append(out.ResourceRecordSets, zone[name])
			break
		}
	}
	return out, nil
}

func (f *fakeRoute53) ChangeResourceRecordSets(_ context.Context, params *route53.ChangeResourceRecordSetsInput, _ ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error) {
	f.changes = append(f.changes, params)
	zoneID := aws.ToString(params.HostedZoneId)

	for _, c := range params.ChangeBatch.Changes {
		rrs := c.ResourceRecordSet
		name := fqdn(aws.ToString(rrs.Name))
		switch c.Action {
		case r53types.ChangeActionUpsert:
			f.put(zoneID, name, aws.ToString(rrs.ResourceRecords[0].Value))
		case r53types.ChangeActionDelete:
			existing, ok := f.zones[zoneID][name]
			if !ok || aws.ToInt64(existing.TTL) != aws.ToInt64(rrs.TTL) ||
				aws.ToString(existing.ResourceRecords[0].Value) != aws.ToString(rrs.ResourceRecords[0].Value) {
				return nil, fmt.Errorf("InvalidChangeBatch: record %s not found with given values", name)
			}
			delete(f.zones[zoneID], name)
		default:
			return nil, fmt.Errorf("unsupported action %s", c.Action)
		}
	}
	return &route53.ChangeResourceRecordSetsOutput{}, nil
}

func instanceOutput(privateIP, publicIP string) *ec2.DescribeInstancesOutput {
	inst := ec2types.Instance{InstanceId: aws.String("i-1")}
	if privateIP != "" {
		inst.PrivateIpAddress = aws.String(privateIP)
	}
	if publicIP != "" {
		inst.PublicIpAddress = aws.String(publicIP)
	}
	return &ec2.DescribeInstancesOutput{
		Reservations: []ec2types.Reservation{{Instances: []ec2types.Instance{inst}}},
	}
}

func tagOutput(value string) func(context.Context, *autoscaling.DescribeTagsInput, ...func(*autoscaling.Options)) (*autoscaling.DescribeTagsOutput, error) {
	return func(_ context.Context, _ *autoscaling.DescribeTagsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeTagsOutput, error) {
		return &autoscaling.DescribeTagsOutput{
			Tags: []asgtypes.TagDescription{{Key: aws.String("asg:hostname_pattern"), Value: aws.String(value)}},
		}, nil
	}
}

func groupOutput(desired int32, instanceIDs ...string) func(context.Context, *autoscaling.DescribeAutoScalingGroupsInput, ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
	return func(_ context.Context, _ *autoscaling.DescribeAutoScalingGroupsInput, _ ...func(*autoscaling.Options)) (*autoscaling.DescribeAutoScalingGroupsOutput, error) {
		group := asgtypes.AutoScalingGroup{
			AutoScalingGroupName: aws.String("asg1"),
			DesiredCapacity:      aws.Int32(desired),
		}
		for _, id := range instanceIDs {
			group.Instances = append(group.Instances, asgtypes.Instance{InstanceId: aws.String(id)})
		}
		return &autoscaling.DescribeAutoScalingGroupsOutput{AutoScalingGroups: []asgtypes.AutoScalingGroup{group}}, nil
	}
}

type testEnv struct {
	ec2 *mockEC2Client
	asg *mockASGClient
	dns *fakeRoute53
}

func newTestEnv() *testEnv {
	return &testEnv{ec2: &mockEC2Client{}, asg: &mockASGClient{}, dns: newFakeRoute53()}
}

func (e *testEnv) clients() *awsapi.Clients {
	return &awsapi.Clients{EC2: e.ec2, AutoScaling: e.asg, Route53: e.dns}
}

func (e *testEnv) processor(opts ...Option) *Processor {
	return New(e.clients(), opts...)
}

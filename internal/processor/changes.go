package processor

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/yairfalse/asgdns/internal/hostname"
	"github.com/yairfalse/asgdns/internal/lifecycle"
)

// RecordTTL is the TTL, in seconds, of every record asgdns writes.
const RecordTTL = 3

// UpdateNameTag sets the instance Name tag to the first label of hostname.
func (p *Processor) UpdateNameTag(ctx context.Context, instanceID, name string) error {
	tag := hostname.NameTag(name)
	p.logger.Info().Ctx(ctx).Str("instance_id", instanceID).Str("name", tag).Msg("updating name tag")

	_, err := p.ec2Client.CreateTags(ctx, &ec2.CreateTagsInput{
		Resources: []string{instanceID},
		Tags:      []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String(tag)}},
	})
	if err != nil {
		return fmt.Errorf("create name tag on %s: %w", instanceID, err)
	}
	return nil
}

// UpdateDNSRecord submits one UPSERT or DELETE for the A record hostname -> ip.
func (p *Processor) UpdateDNSRecord(ctx context.Context, zoneID, ip, name string, op lifecycle.Operation) error {
	p.logger.Info().Ctx(ctx).
		Str("operation", string(op)).
		Str("hostname", name).
		Str("ip", ip).
		Str("zone_id", zoneID).
		Msg("changing record")

	_, err := p.dnsClient.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &r53types.ChangeBatch{
			Changes: []r53types.Change{{
				Action: r53types.ChangeAction(op),
				ResourceRecordSet: &r53types.ResourceRecordSet{
					Name:            aws.String(name),
					Type:            r53types.RRTypeA,
					TTL:             aws.Int64(RecordTTL),
					ResourceRecords: []r53types.ResourceRecord{{Value: aws.String(ip)}},
				},
			}},
		},
	})
	if err != nil {
		return fmt.Errorf("%s record %s: %w", op, name, err)
	}

	p.telemetry.RecordDNSChange(ctx, string(op))
	return nil
}

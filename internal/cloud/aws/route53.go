package aws

import (
	"context"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	r53types "github.com/aws/aws-sdk-go-v2/service/route53/types"

	"github.com/neurodeploy/platform/internal/db/models"
)

type route53API interface {
	ChangeResourceRecordSets(ctx context.Context, in *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

// DNSProvider publishes records in one Route 53 hosted zone
type DNSProvider struct {
	client       route53API
	hostedZoneID string
}

// NewDNSProvider creates a DNSProvider for the given hosted zone
func NewDNSProvider(cfg awssdk.Config, hostedZoneID string) *DNSProvider {
	return &DNSProvider{client: route53.NewFromConfig(cfg), hostedZoneID: hostedZoneID}
}

func recordSet(rec models.DNSRecord) *r53types.ResourceRecordSet {
	rrs := &r53types.ResourceRecordSet{
		Name: awssdk.String(rec.Name),
		Type: r53types.RRType(rec.Type),
	}
	if rec.AliasDNSName != "" {
		rrs.AliasTarget = &r53types.AliasTarget{
			DNSName:              awssdk.String(rec.AliasDNSName),
			HostedZoneId:         awssdk.String(rec.AliasHostedZoneID),
			EvaluateTargetHealth: false,
		}
		return rrs
	}
	rrs.TTL = awssdk.Int64(rec.TTL)
	rrs.ResourceRecords = []r53types.ResourceRecord{{Value: awssdk.String(rec.Value)}}
	return rrs
}

func (p *DNSProvider) change(ctx context.Context, action r53types.ChangeAction, rec models.DNSRecord) error {
	_, err := p.client.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: awssdk.String(p.hostedZoneID),
		ChangeBatch: &r53types.ChangeBatch{
			Comment: awssdk.String(fmt.Sprintf("neurodeploy %s %s", action, rec.Name)),
			Changes: []r53types.Change{{Action: action, ResourceRecordSet: recordSet(rec)}},
		},
	})
	return err
}

// CreateRecord creates rec. A record that already exists is reported as
// AlreadyExists.
func (p *DNSProvider) CreateRecord(ctx context.Context, rec models.DNSRecord) error {
	return classify(p.change(ctx, r53types.ChangeActionCreate, rec), "failed to create DNS record "+rec.Name)
}

// DeleteRecord deletes rec, which must match the published record exactly.
// A missing record is reported as NotFound.
func (p *DNSProvider) DeleteRecord(ctx context.Context, rec models.DNSRecord) error {
	return classify(p.change(ctx, r53types.ChangeActionDelete, rec), "failed to delete DNS record "+rec.Name)
}

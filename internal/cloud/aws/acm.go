package aws

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/acm"
	acmtypes "github.com/aws/aws-sdk-go-v2/service/acm/types"

	"github.com/neurodeploy/platform/internal/apperr"
	"github.com/neurodeploy/platform/internal/db/models"
)

// acmAPI is the subset of the ACM client used here
type acmAPI interface {
	RequestCertificate(ctx context.Context, in *acm.RequestCertificateInput, optFns ...func(*acm.Options)) (*acm.RequestCertificateOutput, error)
	DescribeCertificate(ctx context.Context, in *acm.DescribeCertificateInput, optFns ...func(*acm.Options)) (*acm.DescribeCertificateOutput, error)
	DeleteCertificate(ctx context.Context, in *acm.DeleteCertificateInput, optFns ...func(*acm.Options)) (*acm.DeleteCertificateOutput, error)
}

// CertificateAuthority issues DNS-validated certificates through ACM
type CertificateAuthority struct {
	client acmAPI
}

// NewCertificateAuthority creates a CertificateAuthority from an SDK config
func NewCertificateAuthority(cfg awssdk.Config) *CertificateAuthority {
	return &CertificateAuthority{client: acm.NewFromConfig(cfg)}
}

// idempotencyToken shortens token to ACM's 32 character alphanumeric limit
func idempotencyToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:16])
}

// RequestCertificate requests a DNS-validated certificate for domain. ACM
// returns the same certificate for repeated requests carrying the same token
// within an hour, so concurrent callers converge on one certificate.
func (c *CertificateAuthority) RequestCertificate(ctx context.Context, domain, token string) (string, error) {
	out, err := c.client.RequestCertificate(ctx, &acm.RequestCertificateInput{
		DomainName:       awssdk.String(domain),
		ValidationMethod: acmtypes.ValidationMethodDns,
		IdempotencyToken: awssdk.String(idempotencyToken(token)),
		Tags: []acmtypes.Tag{
			{Key: awssdk.String("neurodeploy:domain"), Value: awssdk.String(domain)},
		},
	})
	if err != nil {
		return "", classify(err, "failed to request certificate")
	}
	return awssdk.ToString(out.CertificateArn), nil
}

// ValidationChallenge returns the CNAME record that proves control of the
// certificate's domain, or nil while ACM has not produced it yet
func (c *CertificateAuthority) ValidationChallenge(ctx context.Context, certID string) (*models.DNSRecord, error) {
	out, err := c.client.DescribeCertificate(ctx, &acm.DescribeCertificateInput{
		CertificateArn: awssdk.String(certID),
	})
	if err != nil {
		return nil, classify(err, "failed to describe certificate")
	}
	if out.Certificate == nil {
		return nil, nil
	}
	for _, opt := range out.Certificate.DomainValidationOptions {
		if opt.ResourceRecord == nil || opt.ResourceRecord.Name == nil {
			continue
		}
		return &models.DNSRecord{
			Name:  awssdk.ToString(opt.ResourceRecord.Name),
			Type:  string(opt.ResourceRecord.Type),
			Value: awssdk.ToString(opt.ResourceRecord.Value),
		}, nil
	}
	return nil, nil
}

// CertificateIssued reports whether the certificate has been issued. A
// certificate that can no longer be issued is a validation error.
func (c *CertificateAuthority) CertificateIssued(ctx context.Context, certID string) (bool, error) {
	out, err := c.client.DescribeCertificate(ctx, &acm.DescribeCertificateInput{
		CertificateArn: awssdk.String(certID),
	})
	if err != nil {
		return false, classify(err, "failed to describe certificate")
	}
	if out.Certificate == nil {
		return false, nil
	}
	switch out.Certificate.Status {
	case acmtypes.CertificateStatusIssued:
		return true, nil
	case acmtypes.CertificateStatusFailed, acmtypes.CertificateStatusRevoked,
		acmtypes.CertificateStatusExpired, acmtypes.CertificateStatusValidationTimedOut:
		return false, apperr.Newf(apperr.KindValidation, "certificate %s is %s", certID, out.Certificate.Status)
	default:
		return false, nil
	}
}

// DeleteCertificate deletes a certificate
func (c *CertificateAuthority) DeleteCertificate(ctx context.Context, certID string) error {
	_, err := c.client.DeleteCertificate(ctx, &acm.DeleteCertificateInput{
		CertificateArn: awssdk.String(certID),
	})
	return classify(err, fmt.Sprintf("failed to delete certificate %s", certID))
}

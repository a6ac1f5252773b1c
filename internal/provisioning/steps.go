// Package provisioning runs the per-tenant subdomain workflow: certificate,
// DNS validation, regional endpoint, custom domain binding and alias record,
// plus the teardown that removes them again.
//
// Both machines are resumable. Progress lives entirely in the
// ProvisioningRecord's resources, which are saved after every step, so a
// redelivered task re-enters at the first step whose resource is missing and
// makes no provider calls for the steps already recorded.
package provisioning

import (
	"context"

	"github.com/neurodeploy/platform/internal/db/models"
)

// Step names a stage of the provisioning workflow
type Step string

const (
	StepRequestCertificate Step = "request_certificate"
	StepPublishValidation  Step = "publish_validation"
	StepCreateEndpoint     Step = "create_endpoint"
	StepAwaitIssuance      Step = "await_issuance"
	StepBindDomain         Step = "bind_domain"
	StepPublishAlias       Step = "publish_alias"
	StepDone               Step = "done"
)

// NextStep derives the first step that still has work to do from the
// resources recorded so far. Certificate issuance is not recorded, so a
// missing domain binding always resumes at StepAwaitIssuance.
func NextStep(r models.ProvisioningResources) Step {
	switch {
	case r.CertificateID == "":
		return StepRequestCertificate
	case r.ValidationRecord == nil:
		return StepPublishValidation
	case r.EndpointID == "" || !r.EndpointDeployed:
		return StepCreateEndpoint
	case r.DomainBinding == nil:
		return StepAwaitIssuance
	case r.AliasRecord == nil:
		return StepPublishAlias
	default:
		return StepDone
	}
}

// CertificateAuthority issues DNS-validated TLS certificates
type CertificateAuthority interface {
	// RequestCertificate requests a certificate for domain. Requests with the
	// same token return the same certificate.
	RequestCertificate(ctx context.Context, domain, token string) (string, error)
	// ValidationChallenge returns the DNS record proving domain control, or
	// nil while it is not available yet.
	ValidationChallenge(ctx context.Context, certID string) (*models.DNSRecord, error)
	CertificateIssued(ctx context.Context, certID string) (bool, error)
	DeleteCertificate(ctx context.Context, certID string) error
}

// DNSProvider publishes records in the platform's hosted zone. CreateRecord
// reports an existing record as apperr.KindAlreadyExists and DeleteRecord a
// missing one as apperr.KindNotFound.
type DNSProvider interface {
	CreateRecord(ctx context.Context, rec models.DNSRecord) error
	DeleteRecord(ctx context.Context, rec models.DNSRecord) error
}

// EndpointProvider manages the regional HTTPS endpoint of a tenant.
// CreateEndpoint returns the ids of a created endpoint even when deploying it
// failed; DeployEndpoint finishes such an endpoint and may be repeated.
type EndpointProvider interface {
	CreateEndpoint(ctx context.Context, name string) (endpointID, rootResourceID string, err error)
	DeployEndpoint(ctx context.Context, endpointID, rootResourceID string) error
	BindDomain(ctx context.Context, endpointID, domain, certID string) (*models.DomainBinding, error)
	DeleteDomain(ctx context.Context, domain string) error
	DeleteEndpoint(ctx context.Context, endpointID string) error
}

// RecordStore persists provisioning records. Get returns nil for a missing
// record and Save overwrites the whole row.
type RecordStore interface {
	Get(ctx context.Context, username, region string) (*models.ProvisioningRecord, error)
	Save(ctx context.Context, rec *models.ProvisioningRecord) error
	Delete(ctx context.Context, username, region string) error
}

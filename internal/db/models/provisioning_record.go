package models

import "time"

// DNSRecord describes a DNS record precisely enough to delete it later
type DNSRecord struct {
	Name  string `json:"name"`
	Type  string `json:"type"`
	Value string `json:"value,omitempty"`
	TTL   int64  `json:"ttl,omitempty"`
	// Alias target, set for alias (A) records instead of Value/TTL
	AliasDNSName      string `json:"alias_dns_name,omitempty"`
	AliasHostedZoneID string `json:"alias_hosted_zone_id,omitempty"`
}

// DomainBinding is a custom domain attached to an endpoint
type DomainBinding struct {
	DomainName         string `json:"domain_name"`
	TargetDomainName   string `json:"target_domain_name"`
	TargetHostedZoneID string `json:"target_hosted_zone_id"`
}

// ProvisioningResources are the cloud resources created for one tenant
// subdomain. Each field is written right after the step that creates it.
type ProvisioningResources struct {
	CertificateID    string         `json:"certificate_id,omitempty"`
	ValidationRecord *DNSRecord     `json:"validation_record,omitempty"`
	EndpointID       string         `json:"endpoint_id,omitempty"`
	RootResourceID   string         `json:"root_resource_id,omitempty"`
	// EndpointDeployed is set once the endpoint's health route is deployed
	EndpointDeployed bool           `json:"endpoint_deployed,omitempty"`
	DomainBinding    *DomainBinding `json:"domain_binding,omitempty"`
	AliasRecord      *DNSRecord     `json:"alias_record,omitempty"`
}

// IsEmpty reports whether no resource has been recorded
func (r *ProvisioningResources) IsEmpty() bool {
	return r.CertificateID == "" && r.ValidationRecord == nil && r.EndpointID == "" &&
		r.RootResourceID == "" && !r.EndpointDeployed && r.DomainBinding == nil && r.AliasRecord == nil
}

// ProvisioningRecord tracks one tenant's subdomain setup in one region.
// It is always written as a whole.
type ProvisioningRecord struct {
	Username  string
	Region    string
	Domain    string // Tenant host, e.g. "bob.neurodeploy.com"
	Step      string // Next step to run, derived from Resources
	Resources ProvisioningResources
	// Failures maps step name to the last error seen for it
	Failures  map[string]string
	UpdatedAt time.Time
}

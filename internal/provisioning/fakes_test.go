package provisioning

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/neurodeploy/platform/internal/apperr"
	"github.com/neurodeploy/platform/internal/config"
	"github.com/neurodeploy/platform/internal/db/models"
)

// fakeCloud implements every provider interface and the record store over
// in-memory state, logging each provider call in order.
type fakeCloud struct {
	mu sync.Mutex

	calls []string

	certs            map[string]string // idempotency token -> certificate id
	pendingChallenge int               // ValidationChallenge calls that return nil first
	issued           bool
	dnsRecords       map[string]models.DNSRecord
	endpoints        map[string]bool
	domains          map[string]string // domain -> endpoint id
	throttleBinds    int

	// errs fails the named call
	errs map[string]error

	records map[string]*models.ProvisioningRecord
	saves   int
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		certs:      map[string]string{},
		issued:     true,
		dnsRecords: map[string]models.DNSRecord{},
		endpoints:  map[string]bool{},
		domains:    map[string]string{},
		errs:       map[string]error{},
		records:    map[string]*models.ProvisioningRecord{},
	}
}

func (f *fakeCloud) record(call string) error {
	f.calls = append(f.calls, call)
	return f.errs[call]
}

func (f *fakeCloud) providerCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeCloud) RequestCertificate(ctx context.Context, domain, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("RequestCertificate"); err != nil {
		return "", err
	}
	if id, ok := f.certs[token]; ok {
		return id, nil
	}
	id := fmt.Sprintf("arn:cert/%d", len(f.certs)+1)
	f.certs[token] = id
	return id, nil
}

func (f *fakeCloud) ValidationChallenge(ctx context.Context, certID string) (*models.DNSRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ValidationChallenge"); err != nil {
		return nil, err
	}
	if f.pendingChallenge > 0 {
		f.pendingChallenge--
		return nil, nil
	}
	return &models.DNSRecord{Name: "_abc.bob.neurodeploy.com.", Type: "CNAME", Value: "_xyz.acm-validations.aws."}, nil
}

func (f *fakeCloud) CertificateIssued(ctx context.Context, certID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CertificateIssued"); err != nil {
		return false, err
	}
	return f.issued, nil
}

func (f *fakeCloud) DeleteCertificate(ctx context.Context, certID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.record("DeleteCertificate")
}

func (f *fakeCloud) CreateRecord(ctx context.Context, rec models.DNSRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateRecord:" + rec.Type); err != nil {
		return err
	}
	if _, ok := f.dnsRecords[rec.Name]; ok {
		return apperr.AlreadyExists("record already exists")
	}
	f.dnsRecords[rec.Name] = rec
	return nil
}

func (f *fakeCloud) DeleteRecord(ctx context.Context, rec models.DNSRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteRecord:" + rec.Type); err != nil {
		return err
	}
	if _, ok := f.dnsRecords[rec.Name]; !ok {
		return apperr.NotFound("record not found")
	}
	delete(f.dnsRecords, rec.Name)
	return nil
}

func (f *fakeCloud) CreateEndpoint(ctx context.Context, name string) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateEndpoint"); err != nil {
		return "", "", err
	}
	id := fmt.Sprintf("api%d", len(f.endpoints)+1)
	f.endpoints[id] = true
	// the API exists even when its deployment fails
	if err := f.errs["DeployEndpoint"]; err != nil {
		return id, "root-" + id, err
	}
	return id, "root-" + id, nil
}

func (f *fakeCloud) DeployEndpoint(ctx context.Context, endpointID, rootResourceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeployEndpoint"); err != nil {
		return err
	}
	if !f.endpoints[endpointID] {
		return apperr.NotFound("endpoint not found")
	}
	return nil
}

func (f *fakeCloud) BindDomain(ctx context.Context, endpointID, domain, certID string) (*models.DomainBinding, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("BindDomain"); err != nil {
		return nil, err
	}
	if f.throttleBinds > 0 {
		f.throttleBinds--
		return nil, apperr.New(apperr.KindUpstreamThrottled, "too many requests")
	}
	f.domains[domain] = endpointID
	return &models.DomainBinding{
		DomainName:         domain,
		TargetDomainName:   "d-123.execute-api.us-west-2.amazonaws.com",
		TargetHostedZoneID: "Z2OJLYMUO9EFXC",
	}, nil
}

func (f *fakeCloud) DeleteDomain(ctx context.Context, domain string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteDomain"); err != nil {
		return err
	}
	if _, ok := f.domains[domain]; !ok {
		return apperr.NotFound("domain not found")
	}
	delete(f.domains, domain)
	return nil
}

func (f *fakeCloud) DeleteEndpoint(ctx context.Context, endpointID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("DeleteEndpoint"); err != nil {
		return err
	}
	delete(f.endpoints, endpointID)
	return nil
}

// ---- RecordStore ----

func cloneRecord(rec *models.ProvisioningRecord) *models.ProvisioningRecord {
	cp := *rec
	if rec.Resources.ValidationRecord != nil {
		v := *rec.Resources.ValidationRecord
		cp.Resources.ValidationRecord = &v
	}
	if rec.Resources.DomainBinding != nil {
		b := *rec.Resources.DomainBinding
		cp.Resources.DomainBinding = &b
	}
	if rec.Resources.AliasRecord != nil {
		a := *rec.Resources.AliasRecord
		cp.Resources.AliasRecord = &a
	}
	cp.Failures = map[string]string{}
	for k, v := range rec.Failures {
		cp.Failures[k] = v
	}
	return &cp
}

func (f *fakeCloud) Get(ctx context.Context, username, region string) (*models.ProvisioningRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[username+"/"+region]
	if !ok {
		return nil, nil
	}
	return cloneRecord(rec), nil
}

func (f *fakeCloud) Save(ctx context.Context, rec *models.ProvisioningRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saves++
	f.records[rec.Username+"/"+rec.Region] = cloneRecord(rec)
	return nil
}

func (f *fakeCloud) Delete(ctx context.Context, username, region string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, username+"/"+region)
	return nil
}

func (f *fakeCloud) stored(t *testing.T, username, region string) *models.ProvisioningRecord {
	t.Helper()
	rec, _ := f.Get(context.Background(), username, region)
	return rec
}

func testConfig() config.ProvisioningConfig {
	return config.ProvisioningConfig{
		ValidationPollInterval: time.Millisecond,
		ValidationPollAttempts: 5,
		IssuancePollInterval:   time.Millisecond,
		IssuancePollAttempts:   3,
		ThrottleRetryDelay:     time.Millisecond,
		ThrottleRetryAttempts:  4,
		StageName:              "prod",
	}
}

func newTestProvisioner(f *fakeCloud) *Provisioner {
	return New(f, f, f, f, testConfig())
}

var bob = Request{Username: "bob", Region: "us-west-2", BaseDomain: "neurodeploy.com"}

// fullResources is what a completed run records for bob
func fullResources() models.ProvisioningResources {
	return models.ProvisioningResources{
		CertificateID:    "arn:cert/1",
		ValidationRecord: &models.DNSRecord{Name: "_abc.bob.neurodeploy.com.", Type: "CNAME", Value: "_xyz.acm-validations.aws.", TTL: 300},
		EndpointID:       "api1",
		RootResourceID:   "root-api1",
		EndpointDeployed: true,
		DomainBinding: &models.DomainBinding{
			DomainName:         "bob.neurodeploy.com",
			TargetDomainName:   "d-123.execute-api.us-west-2.amazonaws.com",
			TargetHostedZoneID: "Z2OJLYMUO9EFXC",
		},
		AliasRecord: &models.DNSRecord{Name: "bob.neurodeploy.com", Type: "A", AliasDNSName: "d-123.execute-api.us-west-2.amazonaws.com", AliasHostedZoneID: "Z2OJLYMUO9EFXC"},
	}
}

package provisioning

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/neurodeploy/platform/internal/apperr"
	"github.com/neurodeploy/platform/internal/config"
	"github.com/neurodeploy/platform/internal/db/models"
	"github.com/neurodeploy/platform/internal/retry"
	"github.com/neurodeploy/platform/internal/telemetry"
)

const defaultValidationTTL = 300

var (
	errChallengePending = errors.New("validation challenge not available yet")
	errNotIssued        = errors.New("certificate not issued yet")
)

// Request identifies one tenant subdomain to provision
type Request struct {
	Username string
	Region   string
	// BaseDomain is the parent zone; the tenant host is {Username}.{BaseDomain}
	BaseDomain string
}

// Host returns the tenant's fully qualified subdomain
func (r Request) Host() string {
	return r.Username + "." + r.BaseDomain
}

// Result reports where a run left the record
type Result struct {
	// Endpoint is set once every step has completed
	Endpoint string
	Step     Step
	Failures map[string]string
}

// Provisioner runs the provisioning state machine
type Provisioner struct {
	ca        CertificateAuthority
	dns       DNSProvider
	endpoints EndpointProvider
	records   RecordStore
	cfg       config.ProvisioningConfig
	now       func() time.Time
}

// New creates a Provisioner
func New(ca CertificateAuthority, dns DNSProvider, endpoints EndpointProvider, records RecordStore, cfg config.ProvisioningConfig) *Provisioner {
	if cfg.ValidationRecordTTL <= 0 {
		cfg.ValidationRecordTTL = defaultValidationTTL
	}
	return &Provisioner{
		ca:        ca,
		dns:       dns,
		endpoints: endpoints,
		records:   records,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (p *Provisioner) validationPolicy() retry.Policy {
	return retry.Constant(p.cfg.ValidationPollAttempts, p.cfg.ValidationPollInterval)
}

func (p *Provisioner) issuancePolicy() retry.Policy {
	return retry.Constant(p.cfg.IssuancePollAttempts, p.cfg.IssuancePollInterval)
}

func (p *Provisioner) throttlePolicy() retry.Policy {
	return retry.Constant(p.cfg.ThrottleRetryAttempts, p.cfg.ThrottleRetryDelay)
}

// run carries the state of one pass over the steps
type run struct {
	p        *Provisioner
	rec      *models.ProvisioningRecord
	log      *slog.Logger
	failures map[string]string
	causes   []error
	// issued is set when the certificate was seen issued during this run
	issued   bool
}

func (r *run) save(ctx context.Context) error {
	r.rec.Step = string(NextStep(r.rec.Resources))
	r.rec.Failures = r.failures
	r.rec.UpdatedAt = r.p.now().UTC()
	if err := r.p.records.Save(ctx, r.rec); err != nil {
		return fmt.Errorf("failed to save provisioning record: %w", err)
	}
	return nil
}

func (r *run) outcome(step Step, outcome string) {
	telemetry.ProvisioningStepsTotal.WithLabelValues(string(step), outcome).Inc()
}

func (r *run) fail(step Step, err error) {
	r.failures[string(step)] = err.Error()
	r.causes = append(r.causes, err)
	r.outcome(step, "failed")
	r.log.Warn("provisioning step failed", "step", step, "error", err)
}

// Run drives the record for req as far as it can get. Each created resource
// is saved before the next step starts. A step that fails is recorded and the
// steps that do not depend on it still run; the run then returns a
// PartialFailure error together with the saved state.
func (p *Provisioner) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	defer func() {
		telemetry.ProvisioningRunDuration.Observe(time.Since(start).Seconds())
	}()

	rec, err := p.records.Get(ctx, req.Username, req.Region)
	if err != nil {
		return nil, fmt.Errorf("failed to load provisioning record: %w", err)
	}
	if rec == nil {
		rec = &models.ProvisioningRecord{
			Username: req.Username,
			Region:   req.Region,
			Domain:   req.Host(),
		}
	}

	r := &run{
		p:        p,
		rec:      rec,
		log:      slog.With("username", req.Username, "region", req.Region, "domain", rec.Domain),
		failures: map[string]string{},
	}
	r.log.Info("provisioning run started", "step", NextStep(rec.Resources))

	steps := []func(context.Context, *run) error{
		requestCertificate,
		publishValidation,
		createEndpoint,
		awaitIssuance,
		bindDomain,
		publishAlias,
	}
	for _, step := range steps {
		if err := step(ctx, r); err != nil {
			return nil, err
		}
	}

	if err := r.save(ctx); err != nil {
		return nil, err
	}

	res := &Result{Step: NextStep(rec.Resources), Failures: r.failures}
	if len(r.causes) > 0 {
		return res, partialFailure("provisioning incomplete", r.failures, r.causes[0])
	}
	res.Endpoint = "https://" + rec.Domain
	r.outcome(StepDone, "done")
	r.log.Info("provisioning complete", "endpoint", res.Endpoint)
	return res, nil
}

// partialFailure summarises the failed steps; the first cause is wrapped so
// callers can still inspect it.
func partialFailure(message string, failures map[string]string, cause error) error {
	keys := make([]string, 0, len(failures))
	for k := range failures {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	details := make([]string, 0, len(keys))
	for _, k := range keys {
		details = append(details, k+": "+failures[k])
	}
	return &apperr.Error{
		Kind:    apperr.KindPartialFailure,
		Message: fmt.Sprintf("%s: %s", message, strings.Join(keys, ", ")),
		Details: details,
		Err:     cause,
	}
}

func requestCertificate(ctx context.Context, r *run) error {
	res := &r.rec.Resources
	if res.CertificateID != "" {
		r.outcome(StepRequestCertificate, "skipped")
		return nil
	}
	token := fmt.Sprintf("%s/%s/%s", r.rec.Username, r.rec.Region, r.rec.Domain)
	certID, err := r.p.ca.RequestCertificate(ctx, r.rec.Domain, token)
	if err != nil {
		r.fail(StepRequestCertificate, err)
		return nil
	}
	res.CertificateID = certID
	r.outcome(StepRequestCertificate, "done")
	r.log.Info("certificate requested", "certificate_id", certID)
	return r.save(ctx)
}

func publishValidation(ctx context.Context, r *run) error {
	res := &r.rec.Resources
	if res.ValidationRecord != nil || res.CertificateID == "" {
		r.outcome(StepPublishValidation, "skipped")
		return nil
	}

	challenge, err := retry.Value(ctx, r.p.validationPolicy(), func(ctx context.Context) (*models.DNSRecord, error) {
		rec, err := r.p.ca.ValidationChallenge(ctx, res.CertificateID)
		if err != nil {
			if !apperr.Retryable(err) {
				return nil, retry.Permanent(err)
			}
			return nil, err
		}
		if rec == nil {
			return nil, errChallengePending
		}
		return rec, nil
	})
	if err != nil {
		if errors.Is(err, errChallengePending) {
			err = apperr.Wrap(err, apperr.KindUpstreamUnavailable, "validation challenge still pending")
		}
		r.fail(StepPublishValidation, err)
		return nil
	}

	record := models.DNSRecord{
		Name:  challenge.Name,
		Type:  "CNAME",
		Value: challenge.Value,
		TTL:   r.p.cfg.ValidationRecordTTL,
	}
	outcome := "done"
	if err := r.p.dns.CreateRecord(ctx, record); err != nil {
		if !apperr.Is(err, apperr.KindAlreadyExists) {
			r.fail(StepPublishValidation, err)
			return nil
		}
		outcome = "already_exists"
	}
	res.ValidationRecord = &record
	r.outcome(StepPublishValidation, outcome)
	return r.save(ctx)
}

// createEndpoint records a created endpoint before deploying it, so an
// endpoint whose deployment failed is finished on the next run instead of
// being created twice.
func createEndpoint(ctx context.Context, r *run) error {
	res := &r.rec.Resources
	if res.EndpointID != "" && res.EndpointDeployed {
		r.outcome(StepCreateEndpoint, "skipped")
		return nil
	}

	if res.EndpointID == "" {
		name := strings.ReplaceAll(r.rec.Domain, ".", "-") + "-api"
		endpointID, rootID, err := r.p.endpoints.CreateEndpoint(ctx, name)
		if endpointID != "" {
			res.EndpointID, res.RootResourceID = endpointID, rootID
			res.EndpointDeployed = err == nil
			r.log.Info("endpoint created", "endpoint_id", endpointID, "deployed", res.EndpointDeployed)
			if saveErr := r.save(ctx); saveErr != nil {
				return saveErr
			}
		}
		if err != nil {
			r.fail(StepCreateEndpoint, err)
			return nil
		}
		r.outcome(StepCreateEndpoint, "done")
		return nil
	}

	if err := r.p.endpoints.DeployEndpoint(ctx, res.EndpointID, res.RootResourceID); err != nil {
		r.fail(StepCreateEndpoint, err)
		return nil
	}
	res.EndpointDeployed = true
	r.outcome(StepCreateEndpoint, "deployed")
	r.log.Info("endpoint deployed", "endpoint_id", res.EndpointID)
	return r.save(ctx)
}

// awaitIssuance polls until the certificate is issued. Issuance is not
// recorded; it only lets bindDomain run in the same pass. Running out of
// attempts is a retryable failure and the redelivered task polls again.
func awaitIssuance(ctx context.Context, r *run) error {
	res := &r.rec.Resources
	// issuance needs the published challenge and binding needs the endpoint
	if res.DomainBinding != nil || res.CertificateID == "" || res.ValidationRecord == nil || !res.EndpointDeployed {
		r.outcome(StepAwaitIssuance, "skipped")
		return nil
	}

	err := retry.Do(ctx, r.p.issuancePolicy(), func(ctx context.Context) error {
		issued, err := r.p.ca.CertificateIssued(ctx, res.CertificateID)
		if err != nil {
			if !apperr.Retryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		if !issued {
			return errNotIssued
		}
		return nil
	})
	if errors.Is(err, errNotIssued) {
		err = apperr.Wrap(err, apperr.KindUpstreamUnavailable, "certificate issuance timed out")
	}
	if err != nil {
		r.fail(StepAwaitIssuance, err)
		return nil
	}
	r.issued = true
	r.outcome(StepAwaitIssuance, "done")
	return nil
}

func bindDomain(ctx context.Context, r *run) error {
	res := &r.rec.Resources
	if res.DomainBinding != nil || !r.issued {
		r.outcome(StepBindDomain, "skipped")
		return nil
	}

	binding, err := retry.Value(ctx, r.p.throttlePolicy(), func(ctx context.Context) (*models.DomainBinding, error) {
		b, err := r.p.endpoints.BindDomain(ctx, res.EndpointID, r.rec.Domain, res.CertificateID)
		if err != nil && !apperr.Is(err, apperr.KindUpstreamThrottled) {
			return nil, retry.Permanent(err)
		}
		if err != nil {
			r.log.Warn("custom domain binding throttled, retrying", "delay", r.p.cfg.ThrottleRetryDelay)
		}
		return b, err
	})
	if err != nil {
		r.fail(StepBindDomain, err)
		return nil
	}
	res.DomainBinding = binding
	r.outcome(StepBindDomain, "done")
	return r.save(ctx)
}

func publishAlias(ctx context.Context, r *run) error {
	res := &r.rec.Resources
	if res.AliasRecord != nil || res.DomainBinding == nil {
		r.outcome(StepPublishAlias, "skipped")
		return nil
	}
	record := models.DNSRecord{
		Name:              r.rec.Domain,
		Type:              "A",
		AliasDNSName:      res.DomainBinding.TargetDomainName,
		AliasHostedZoneID: res.DomainBinding.TargetHostedZoneID,
	}
	outcome := "done"
	if err := r.p.dns.CreateRecord(ctx, record); err != nil {
		if !apperr.Is(err, apperr.KindAlreadyExists) {
			r.fail(StepPublishAlias, err)
			return nil
		}
		outcome = "already_exists"
	}
	res.AliasRecord = &record
	r.outcome(StepPublishAlias, outcome)
	return r.save(ctx)
}

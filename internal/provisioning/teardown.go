package provisioning

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/neurodeploy/platform/internal/apperr"
	"github.com/neurodeploy/platform/internal/db/models"
	"github.com/neurodeploy/platform/internal/retry"
	"github.com/neurodeploy/platform/internal/telemetry"
)

// Teardown summary keys, in the order deletions run
const (
	PartCustomDomain     = "custom_domain"
	PartValidationRecord = "validation_record"
	PartAliasRecord      = "alias_record"
	PartCertificate      = "certificate"
	PartEndpoint         = "endpoint"
)

// TeardownRequest identifies the resources to remove. Resources is used only
// when no record is stored for the tenant and region.
type TeardownRequest struct {
	Username  string
	Region    string
	Resources models.ProvisioningResources
}

// Summary maps each teardown part to whether it is gone
type Summary map[string]bool

// Complete reports whether every part was removed
func (s Summary) Complete() bool {
	for _, ok := range s {
		if !ok {
			return false
		}
	}
	return true
}

// Teardown removes a tenant's provisioned resources. Resources that are
// already gone count as removed. Removed fields are cleared from the record;
// the record itself is deleted only when every part succeeded, otherwise it
// is saved with what remains and a PartialFailure error is returned.
func (p *Provisioner) Teardown(ctx context.Context, req TeardownRequest) (Summary, error) {
	rec, err := p.records.Get(ctx, req.Username, req.Region)
	if err != nil {
		return nil, fmt.Errorf("failed to load provisioning record: %w", err)
	}
	if rec == nil {
		rec = &models.ProvisioningRecord{
			Username:  req.Username,
			Region:    req.Region,
			Resources: req.Resources,
		}
	}
	log := slog.With("username", req.Username, "region", req.Region)
	res := &rec.Resources

	summary := Summary{}
	failures := map[string]string{}
	var firstErr error
	remove := func(part string, present bool, del func(ctx context.Context) error, clear func()) {
		if !present {
			summary[part] = true
			return
		}
		err := retry.Do(ctx, p.throttlePolicy(), func(ctx context.Context) error {
			err := del(ctx)
			if err == nil || apperr.Is(err, apperr.KindNotFound) {
				return nil
			}
			if !apperr.Is(err, apperr.KindUpstreamThrottled) {
				return retry.Permanent(err)
			}
			return err
		})
		if err != nil {
			summary[part] = false
			failures[part] = err.Error()
			if firstErr == nil {
				firstErr = err
			}
			log.Warn("teardown step failed", "part", part, "error", err)
			return
		}
		summary[part] = true
		clear()
	}

	remove(PartCustomDomain, res.DomainBinding != nil, func(ctx context.Context) error {
		return p.endpoints.DeleteDomain(ctx, res.DomainBinding.DomainName)
	}, func() { res.DomainBinding = nil })

	remove(PartValidationRecord, res.ValidationRecord != nil, func(ctx context.Context) error {
		return p.dns.DeleteRecord(ctx, *res.ValidationRecord)
	}, func() { res.ValidationRecord = nil })

	remove(PartAliasRecord, res.AliasRecord != nil, func(ctx context.Context) error {
		return p.dns.DeleteRecord(ctx, *res.AliasRecord)
	}, func() { res.AliasRecord = nil })

	remove(PartCertificate, res.CertificateID != "", func(ctx context.Context) error {
		return p.ca.DeleteCertificate(ctx, res.CertificateID)
	}, func() { res.CertificateID = "" })

	remove(PartEndpoint, res.EndpointID != "", func(ctx context.Context) error {
		return p.endpoints.DeleteEndpoint(ctx, res.EndpointID)
	}, func() { res.EndpointID, res.RootResourceID, res.EndpointDeployed = "", "", false })

	if summary.Complete() {
		if err := p.records.Delete(ctx, req.Username, req.Region); err != nil {
			return summary, fmt.Errorf("failed to delete provisioning record: %w", err)
		}
		telemetry.TeardownRunsTotal.WithLabelValues("complete").Inc()
		log.Info("teardown complete", "summary", summary)
		return summary, nil
	}

	rec.Step = string(NextStep(rec.Resources))
	rec.Failures = failures
	rec.UpdatedAt = p.now().UTC()
	if err := p.records.Save(ctx, rec); err != nil {
		return summary, fmt.Errorf("failed to save provisioning record: %w", err)
	}
	telemetry.TeardownRunsTotal.WithLabelValues("partial").Inc()
	log.Warn("teardown incomplete", "summary", summary)
	return summary, partialFailure("teardown incomplete", failures, firstErr)
}

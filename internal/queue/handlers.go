package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/neurodeploy/platform/internal/apperr"
	"github.com/neurodeploy/platform/internal/provisioning"
	"github.com/neurodeploy/platform/internal/telemetry"
)

// Provisioner runs the provisioning and teardown state machines
type Provisioner interface {
	Run(ctx context.Context, req provisioning.Request) (*provisioning.Result, error)
	Teardown(ctx context.Context, req provisioning.TeardownRequest) (provisioning.Summary, error)
}

// StagedObjectHandler processes an object uploaded to the staging store
type StagedObjectHandler interface {
	HandleStagedObject(ctx context.Context, bucket, key string) error
}

// Handlers processes the platform's tasks
type Handlers struct {
	prov   Provisioner
	staged StagedObjectHandler
}

// NewHandlers creates Handlers
func NewHandlers(prov Provisioner, staged StagedObjectHandler) *Handlers {
	return &Handlers{prov: prov, staged: staged}
}

// Mux routes every task type to its handler
func (h *Handlers) Mux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TypeProvision, h.HandleProvision)
	mux.HandleFunc(TypeTeardown, h.HandleTeardown)
	mux.HandleFunc(TypeModelStaged, h.HandleModelStaged)
	return mux
}

// settle converts a handler error into asynq's retry decision and counts
// the outcome
func settle(taskType string, err error) error {
	switch {
	case err == nil:
		telemetry.QueueTasksTotal.WithLabelValues(taskType, "ok").Inc()
		return nil
	case errors.Is(err, asynq.SkipRetry):
		telemetry.QueueTasksTotal.WithLabelValues(taskType, "dropped").Inc()
		return err
	case !apperr.Retryable(err):
		telemetry.QueueTasksTotal.WithLabelValues(taskType, "dropped").Inc()
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	default:
		telemetry.QueueTasksTotal.WithLabelValues(taskType, "retry").Inc()
		return err
	}
}

// HandleProvision runs the provisioning state machine. An incomplete run
// returns an error so the task is redelivered and resumes where it stopped.
func (h *Handlers) HandleProvision(ctx context.Context, t *asynq.Task) error {
	var p ProvisionPayload
	if err := decode(t, &p); err != nil {
		return settle(TypeProvision, err)
	}
	if p.Username == "" || p.DomainName == "" {
		return settle(TypeProvision, fmt.Errorf("provision task without username or domain: %w", asynq.SkipRetry))
	}

	res, err := h.prov.Run(ctx, provisioning.Request{
		Username:   p.Username,
		Region:     p.RegionName,
		BaseDomain: p.DomainName,
	})
	if err != nil {
		slog.Warn("provisioning run did not complete", "username", p.Username, "region", p.RegionName, "error", err)
		return settle(TypeProvision, err)
	}
	slog.Info("tenant provisioned", "username", p.Username, "endpoint", res.Endpoint)
	return settle(TypeProvision, nil)
}

// HandleTeardown runs the teardown state machine
func (h *Handlers) HandleTeardown(ctx context.Context, t *asynq.Task) error {
	var p TeardownPayload
	if err := decode(t, &p); err != nil {
		return settle(TypeTeardown, err)
	}

	summary, err := h.prov.Teardown(ctx, provisioning.TeardownRequest{
		Username:  p.Username,
		Region:    p.RegionName,
		Resources: p.Resources,
	})
	if err != nil {
		slog.Warn("teardown did not complete", "username", p.Username, "region", p.RegionName, "summary", summary, "error", err)
		return settle(TypeTeardown, err)
	}
	return settle(TypeTeardown, nil)
}

// HandleModelStaged moves an uploaded artifact into the models store
func (h *Handlers) HandleModelStaged(ctx context.Context, t *asynq.Task) error {
	var p StagedObjectPayload
	if err := decode(t, &p); err != nil {
		return settle(TypeModelStaged, err)
	}
	return settle(TypeModelStaged, h.staged.HandleStagedObject(ctx, p.Bucket, p.Key))
}

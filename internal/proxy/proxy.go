// Package proxy is the execution proxy: it resolves a tenant's model, checks
// that the caller may use it, runs it on the execution backend and records
// every invocation in the usage log and the payload archive.
package proxy

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/neurodeploy/platform/internal/apperr"
	"github.com/neurodeploy/platform/internal/auth"
	"github.com/neurodeploy/platform/internal/config"
	"github.com/neurodeploy/platform/internal/db/models"
	"github.com/neurodeploy/platform/internal/db/repositories"
	"github.com/neurodeploy/platform/internal/storage"
	"github.com/neurodeploy/platform/internal/telemetry"
)

// maxTimestampBumps bounds the +1µs retries on a usage timestamp collision
const maxTimestampBumps = 5

// ModelCatalog reads model metadata
type ModelCatalog interface {
	Get(ctx context.Context, username, modelName string) (*models.MLModel, error)
}

// KeyStore lists the API keys valid for a model, wildcard keys included
type KeyStore interface {
	ListForModel(ctx context.Context, username, modelName string) ([]*models.ModelAPIKey, error)
}

// UsageSink appends usage records. Append returns
// repositories.ErrDuplicate when the timestamp is already taken.
type UsageSink interface {
	Append(ctx context.Context, rec *models.UsageRecord) error
}

// Backend invokes a named function synchronously. Errors raised by the
// function itself come back in the payload, not as a Go error.
type Backend interface {
	Invoke(ctx context.Context, function string, payload []byte) ([]byte, error)
}

// Invocation is one call to a tenant model
type Invocation struct {
	Username  string
	ModelName string
	// APIKey is the caller's model API key, empty when none was sent
	APIKey string
	// Payload is the JSON value handed to the model
	Payload json.RawMessage
}

// Outcome is what the caller gets back
type Outcome struct {
	Status int
	// Output is the model output on success
	Output json.RawMessage
	// Error is the caller-facing message on failure
	Error string
}

// Service runs invocations
type Service struct {
	models  ModelCatalog
	keys    KeyStore
	usage   UsageSink
	archive storage.ObjectStore
	backend Backend
	cfg     config.ProxyConfig
	now     func() time.Time
}

// NewService creates a Service. archive is the logs store.
func NewService(catalog ModelCatalog, keys KeyStore, usage UsageSink, archive storage.ObjectStore, backend Backend, cfg config.ProxyConfig) *Service {
	return &Service{
		models:  catalog,
		keys:    keys,
		usage:   usage,
		archive: archive,
		backend: backend,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Invoke runs inv and records it. Every invocation of an existing model
// produces exactly one usage record and one archive object, whatever the
// outcome.
func (s *Service) Invoke(ctx context.Context, inv Invocation) *Outcome {
	start := s.now()
	log := slog.With("username", inv.Username, "model_name", inv.ModelName)

	model, err := s.models.Get(ctx, inv.Username, inv.ModelName)
	if err != nil {
		log.Error("failed to load model", "error", err)
		return s.finish(failed(http.StatusInternalServerError, "internal server error"), start)
	}
	if model == nil {
		return s.finish(failed(http.StatusNotFound, "resource does not exist"), start)
	}

	out := s.run(ctx, log, inv, model)
	s.record(ctx, log, inv, out, start)
	return s.finish(out, start)
}

func (s *Service) finish(out *Outcome, start time.Time) *Outcome {
	telemetry.ProxyInvocationsTotal.WithLabelValues(fmt.Sprint(out.Status)).Inc()
	telemetry.ProxyInvocationDuration.Observe(s.now().Sub(start).Seconds())
	return out
}

func failed(status int, msg string) *Outcome {
	return &Outcome{Status: status, Error: msg}
}

// run applies the gates in order, then the optional preprocessing step and
// the model itself
func (s *Service) run(ctx context.Context, log *slog.Logger, inv Invocation, model *models.MLModel) *Outcome {
	if !model.IsUploaded {
		return failed(http.StatusNotFound, "resource does not exist")
	}
	if model.IsDeleted {
		return failed(http.StatusBadRequest, "model has been deleted")
	}
	if !model.IsPublic {
		if out := s.checkKey(ctx, log, inv); out != nil {
			return out
		}
	}

	payload := inv.Payload
	if model.PreprocessingLocation != nil {
		processed, out := s.preprocess(ctx, log, *model.PreprocessingLocation, payload)
		if out != nil {
			return out
		}
		payload = processed
	}

	location := ""
	if model.Location != nil {
		location = *model.Location
	}
	request, _ := json.Marshal(map[string]any{
		"payload":          payload,
		"model":            location,
		"persistence_type": model.Filetype,
		"model_type":       model.Library,
	})

	output, msg, err := s.call(ctx, s.cfg.ExecutionFunction, request)
	switch {
	case apperr.Is(err, apperr.KindUpstreamThrottled):
		log.Warn("execution backend throttled", "error", err)
		return failed(http.StatusTooManyRequests, "too many requests")
	case err != nil:
		log.Warn("execution backend failed", "error", err)
		return failed(http.StatusBadRequest, apperr.Message(err))
	case msg != "":
		return failed(http.StatusBadRequest, msg)
	}
	return &Outcome{Status: http.StatusOK, Output: output}
}

func (s *Service) checkKey(ctx context.Context, log *slog.Logger, inv Invocation) *Outcome {
	if inv.APIKey == "" {
		return failed(http.StatusForbidden, "this model requires an api-key")
	}
	keys, err := s.keys.ListForModel(ctx, inv.Username, inv.ModelName)
	if err != nil {
		log.Error("failed to load model api keys", "error", err)
		return failed(http.StatusInternalServerError, "internal server error")
	}
	hash := []byte(auth.HashModelAPIKey(inv.APIKey))
	for _, k := range keys {
		if subtle.ConstantTimeCompare(hash, []byte(k.KeyHash)) != 1 {
			continue
		}
		if k.IsExpired(s.now()) {
			return failed(http.StatusForbidden, "api-key has expired")
		}
		return nil
	}
	return failed(http.StatusForbidden, "invalid api-key")
}

// preprocess runs the tenant's preprocessing script over payload. Any
// failure aborts the invocation with a 400.
func (s *Service) preprocess(ctx context.Context, log *slog.Logger, script string, payload json.RawMessage) (json.RawMessage, *Outcome) {
	request, _ := json.Marshal(map[string]any{
		"preprocessing": script,
		"payload":       payload,
	})
	output, msg, err := s.call(ctx, s.cfg.PreprocessingFunction, request)
	if err != nil {
		log.Warn("preprocessing failed", "error", err)
		return nil, failed(http.StatusBadRequest, apperr.Message(err))
	}
	if msg != "" {
		return nil, failed(http.StatusBadRequest, msg)
	}
	return output, nil
}

// backendResponse is the payload shape of the execution and preprocessing
// functions. Unhandled function errors use errorMessage.
type backendResponse struct {
	Output       json.RawMessage `json:"output"`
	Error        json.RawMessage `json:"error"`
	ErrorMessage string          `json:"errorMessage"`
}

// call invokes function and splits its response into output or a
// function-level error message
func (s *Service) call(ctx context.Context, function string, request []byte) (json.RawMessage, string, error) {
	if s.cfg.InvokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.InvokeTimeout)
		defer cancel()
	}
	raw, err := s.backend.Invoke(ctx, function, request)
	if err != nil {
		return nil, "", err
	}

	var resp backendResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, "", apperr.Wrap(err, apperr.KindUpstreamUnavailable, "execution backend returned malformed output")
	}
	if resp.ErrorMessage != "" {
		return nil, resp.ErrorMessage, nil
	}
	if len(resp.Error) > 0 && !bytes.Equal(resp.Error, []byte("null")) {
		var msg string
		if json.Unmarshal(resp.Error, &msg) != nil {
			msg = string(resp.Error)
		}
		return nil, msg, nil
	}
	if len(resp.Output) == 0 {
		return json.RawMessage("null"), "", nil
	}
	return resp.Output, "", nil
}

// record appends the usage record and archives the full exchange. Failures
// are logged and counted, never returned to the caller. The writes outlive
// a cancelled request.
func (s *Service) record(ctx context.Context, log *slog.Logger, inv Invocation, out *Outcome, start time.Time) {
	ctx = context.WithoutCancel(ctx)

	input := string(inv.Payload)
	var output, errMsg *string
	if out.Output != nil {
		o := string(out.Output)
		output = &o
	}
	if out.Error != "" {
		errMsg = &out.Error
	}

	rec := &models.UsageRecord{
		Username:   inv.Username,
		ModelName:  inv.ModelName,
		InvokedAt:  start.UTC().Truncate(time.Microsecond),
		StatusCode: out.Status,
		DurationMS: s.now().Sub(start).Milliseconds(),
		Input:      s.truncate(&input),
		Output:     s.truncate(output),
		Error:      s.truncate(errMsg),
	}

	var err error
	for i := 0; i <= maxTimestampBumps; i++ {
		rec.Location = ArchiveKey(inv.Username, inv.ModelName, rec.InvokedAt)
		err = s.usage.Append(ctx, rec)
		if !errors.Is(err, repositories.ErrDuplicate) {
			break
		}
		rec.InvokedAt = rec.InvokedAt.Add(time.Microsecond)
	}
	if err != nil {
		telemetry.UsageRecordWriteErrorsTotal.WithLabelValues("index").Inc()
		log.Error("failed to append usage record", "error", err, "timestamp", rec.Timestamp())
	}

	archived, _ := json.Marshal(archiveEntry{
		Input:  inv.Payload,
		Output: out.Output,
		Error:  errMsg,
	})
	if err := s.archive.Put(ctx, rec.Location, bytes.NewReader(archived), int64(len(archived)), "application/json"); err != nil {
		telemetry.UsageRecordWriteErrorsTotal.WithLabelValues("archive").Inc()
		log.Error("failed to archive invocation", "error", err, "key", rec.Location)
	}
}

type archiveEntry struct {
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output"`
	Error  *string         `json:"error"`
}

// ArchiveKey is the logs store key of one invocation's archive
func ArchiveKey(username, modelName string, invokedAt time.Time) string {
	return fmt.Sprintf("%s/%s/%s.json", username, modelName, invokedAt.UTC().Format(models.UsageTimestampLayout))
}

// truncate replaces values longer than the configured cap with a tombstone
func (s *Service) truncate(v *string) *string {
	if v == nil || s.cfg.MaxLoggedBytes <= 0 || len(*v) <= s.cfg.MaxLoggedBytes {
		return v
	}
	t := Tombstone(len(*v))
	return &t
}

// Tombstone is stored in place of a value too large for the usage index
func Tombstone(size int) string {
	return fmt.Sprintf("<truncated: %d bytes, see archive>", size)
}

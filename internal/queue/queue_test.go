package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"

	"github.com/neurodeploy/platform/internal/apperr"
	"github.com/neurodeploy/platform/internal/config"
	"github.com/neurodeploy/platform/internal/db/models"
	"github.com/neurodeploy/platform/internal/provisioning"
)

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

type enqueued struct {
	task *asynq.Task
	opts []asynq.Option
}

type fakeEnqueuer struct {
	tasks []enqueued
	ids   map[string]bool
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	if f.ids == nil {
		f.ids = map[string]bool{}
	}
	id := optionValue(opts, asynq.TaskIDOpt)
	if id != nil && f.ids[id.(string)] {
		return nil, asynq.ErrTaskIDConflict
	}
	if id != nil {
		f.ids[id.(string)] = true
	}
	f.tasks = append(f.tasks, enqueued{task: task, opts: opts})
	return &asynq.TaskInfo{ID: "1", Queue: "default"}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

// fakeInspector reports tasks held in the fake enqueuer as pending unless
// states says otherwise; deleting a task frees its id.
type fakeInspector struct {
	enq     *fakeEnqueuer
	states  map[string]asynq.TaskState
	deleted []string
	err     error
}

func (f *fakeInspector) GetTaskInfo(queue, id string) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	if !f.enq.ids[id] {
		return nil, asynq.ErrTaskNotFound
	}
	state, ok := f.states[id]
	if !ok {
		state = asynq.TaskStatePending
	}
	return &asynq.TaskInfo{ID: id, Queue: queue, State: state, LastErr: "provisioning incomplete"}, nil
}

func (f *fakeInspector) DeleteTask(_, id string) error {
	f.deleted = append(f.deleted, id)
	delete(f.enq.ids, id)
	delete(f.states, id)
	return nil
}

func (f *fakeInspector) Close() error { return nil }

func optionValue(opts []asynq.Option, typ asynq.OptionType) any {
	for _, o := range opts {
		if o.Type() == typ {
			return o.Value()
		}
	}
	return nil
}

func newTestClient() (*Client, *fakeEnqueuer) {
	c, f, _ := newInspectedClient()
	return c, f
}

func newInspectedClient() (*Client, *fakeEnqueuer, *fakeInspector) {
	f := &fakeEnqueuer{ids: map[string]bool{}}
	insp := &fakeInspector{enq: f, states: map[string]asynq.TaskState{}}
	c := &Client{client: f, inspector: insp, cfg: config.QueueConfig{MaxRetry: 10, TaskTimeout: 15 * time.Minute}}
	return c, f, insp
}

func TestEnqueueProvision_UsesDeterministicTaskID(t *testing.T) {
	c, f := newTestClient()
	p := ProvisionPayload{Username: "bob", DomainName: "neurodeploy.com", RegionName: "us-west-2"}

	if err := c.EnqueueProvision(context.Background(), p); err != nil {
		t.Fatalf("EnqueueProvision() error = %v", err)
	}
	// a duplicate enqueue collapses into the queued task
	if err := c.EnqueueProvision(context.Background(), p); err != nil {
		t.Fatalf("second EnqueueProvision() error = %v", err)
	}
	if len(f.tasks) != 1 {
		t.Fatalf("tasks = %d, want 1", len(f.tasks))
	}

	got := f.tasks[0]
	if got.task.Type() != TypeProvision {
		t.Errorf("type = %q", got.task.Type())
	}
	if id := optionValue(got.opts, asynq.TaskIDOpt); id != "provision:bob:us-west-2" {
		t.Errorf("task id = %v", id)
	}
	if r := optionValue(got.opts, asynq.MaxRetryOpt); r != 10 {
		t.Errorf("max retry = %v", r)
	}
	if to := optionValue(got.opts, asynq.TimeoutOpt); to != 15*time.Minute {
		t.Errorf("timeout = %v", to)
	}

	var decoded map[string]string
	if err := json.Unmarshal(got.task.Payload(), &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded["username"] != "bob" || decoded["domain_name"] != "neurodeploy.com" || decoded["region_name"] != "us-west-2" {
		t.Errorf("payload = %v", decoded)
	}
}

func TestEnqueueProvision_ReplacesArchivedTask(t *testing.T) {
	c, f, insp := newInspectedClient()
	p := ProvisionPayload{Username: "bob", DomainName: "neurodeploy.com", RegionName: "us-west-2"}
	ctx := context.Background()

	if err := c.EnqueueProvision(ctx, p); err != nil {
		t.Fatalf("EnqueueProvision() error = %v", err)
	}
	// the task ran out of retries
	insp.states["provision:bob:us-west-2"] = asynq.TaskStateArchived

	if err := c.EnqueueProvision(ctx, p); err != nil {
		t.Fatalf("EnqueueProvision() after archive error = %v", err)
	}
	if len(f.tasks) != 2 {
		t.Fatalf("tasks = %d, want the archived task enqueued again", len(f.tasks))
	}
	if len(insp.deleted) != 1 || insp.deleted[0] != "provision:bob:us-west-2" {
		t.Errorf("deleted = %v", insp.deleted)
	}
	if id := optionValue(f.tasks[1].opts, asynq.TaskIDOpt); id != "provision:bob:us-west-2" {
		t.Errorf("task id = %v", id)
	}
}

func TestEnqueue_KeepsLiveTask(t *testing.T) {
	states := []asynq.TaskState{
		asynq.TaskStatePending,
		asynq.TaskStateActive,
		asynq.TaskStateRetry,
		asynq.TaskStateScheduled,
	}
	for _, state := range states {
		t.Run(state.String(), func(t *testing.T) {
			c, f, insp := newInspectedClient()
			p := ProvisionPayload{Username: "bob", DomainName: "neurodeploy.com", RegionName: "us-west-2"}
			if err := c.EnqueueProvision(context.Background(), p); err != nil {
				t.Fatalf("EnqueueProvision() error = %v", err)
			}
			insp.states["provision:bob:us-west-2"] = state

			if err := c.EnqueueProvision(context.Background(), p); err != nil {
				t.Fatalf("second EnqueueProvision() error = %v", err)
			}
			if len(f.tasks) != 1 || len(insp.deleted) != 0 {
				t.Errorf("tasks = %d, deleted = %v, want the live task kept", len(f.tasks), insp.deleted)
			}
		})
	}
}

func TestEnqueue_InspectFailure(t *testing.T) {
	c, _, insp := newInspectedClient()
	p := ProvisionPayload{Username: "bob", DomainName: "neurodeploy.com", RegionName: "us-west-2"}
	if err := c.EnqueueProvision(context.Background(), p); err != nil {
		t.Fatalf("EnqueueProvision() error = %v", err)
	}
	insp.err = errors.New("dial tcp: connection refused")

	if err := c.EnqueueProvision(context.Background(), p); err == nil {
		t.Error("EnqueueProvision() error = nil, want the inspect failure")
	}
}

func TestEnqueueTeardown_CarriesResources(t *testing.T) {
	c, f := newTestClient()
	p := TeardownPayload{
		Username:   "bob",
		RegionName: "us-west-2",
		Resources:  models.ProvisioningResources{CertificateID: "arn:cert/1", EndpointID: "api1"},
	}
	if err := c.EnqueueTeardown(context.Background(), p); err != nil {
		t.Fatalf("EnqueueTeardown() error = %v", err)
	}
	var decoded TeardownPayload
	if err := json.Unmarshal(f.tasks[0].task.Payload(), &decoded); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if decoded.Resources.CertificateID != "arn:cert/1" || decoded.Resources.EndpointID != "api1" {
		t.Errorf("resources = %+v", decoded.Resources)
	}
	if id := optionValue(f.tasks[0].opts, asynq.TaskIDOpt); id != "teardown:bob:us-west-2" {
		t.Errorf("task id = %v", id)
	}
}

func TestEnqueue_PropagatesRedisErrors(t *testing.T) {
	c, f := newTestClient()
	f.err = errors.New("dial tcp: connection refused")
	err := c.EnqueueStagedObject(context.Background(), StagedObjectPayload{Bucket: "neurodeploy-staging", Key: "abc"})
	if err == nil {
		t.Fatal("EnqueueStagedObject() error = nil")
	}
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

type fakeProvisioner struct {
	runs      []provisioning.Request
	teardowns []provisioning.TeardownRequest
	runErr    error
	tearErr   error
}

func (f *fakeProvisioner) Run(_ context.Context, req provisioning.Request) (*provisioning.Result, error) {
	f.runs = append(f.runs, req)
	if f.runErr != nil {
		return nil, f.runErr
	}
	return &provisioning.Result{Endpoint: "https://" + req.Host(), Step: provisioning.StepDone}, nil
}

func (f *fakeProvisioner) Teardown(_ context.Context, req provisioning.TeardownRequest) (provisioning.Summary, error) {
	f.teardowns = append(f.teardowns, req)
	return provisioning.Summary{}, f.tearErr
}

type fakeStaged struct {
	keys []string
	err  error
}

func (f *fakeStaged) HandleStagedObject(_ context.Context, bucket, key string) error {
	f.keys = append(f.keys, bucket+"/"+key)
	return f.err
}

func task(t *testing.T, typ string, payload any) *asynq.Task {
	t.Helper()
	b, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return asynq.NewTask(typ, b)
}

func TestHandleProvision(t *testing.T) {
	prov := &fakeProvisioner{}
	h := NewHandlers(prov, &fakeStaged{})

	err := h.HandleProvision(context.Background(), task(t, TypeProvision,
		ProvisionPayload{Username: "bob", DomainName: "neurodeploy.com", RegionName: "us-west-2"}))
	if err != nil {
		t.Fatalf("HandleProvision() error = %v", err)
	}
	if len(prov.runs) != 1 || prov.runs[0].Host() != "bob.neurodeploy.com" || prov.runs[0].Region != "us-west-2" {
		t.Errorf("runs = %+v", prov.runs)
	}
}

func TestHandleProvision_RetryDecision(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		wantSkip  bool
		wantError bool
	}{
		{"success", nil, false, false},
		{"partial failure is retried", &apperr.Error{Kind: apperr.KindPartialFailure, Message: "provisioning incomplete"}, false, true},
		{"throttling is retried", apperr.New(apperr.KindUpstreamThrottled, "slow down"), false, true},
		{"validation is dropped", apperr.Validation("certificate is FAILED"), true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandlers(&fakeProvisioner{runErr: tt.err}, &fakeStaged{})
			err := h.HandleProvision(context.Background(), task(t, TypeProvision,
				ProvisionPayload{Username: "bob", DomainName: "neurodeploy.com", RegionName: "us-west-2"}))
			if (err != nil) != tt.wantError {
				t.Fatalf("error = %v, wantError %v", err, tt.wantError)
			}
			if got := errors.Is(err, asynq.SkipRetry); got != tt.wantSkip {
				t.Errorf("SkipRetry = %v, want %v", got, tt.wantSkip)
			}
		})
	}
}

func TestHandlers_MalformedPayloadSkipsRetry(t *testing.T) {
	h := NewHandlers(&fakeProvisioner{}, &fakeStaged{})
	for _, typ := range []string{TypeProvision, TypeTeardown, TypeModelStaged} {
		bad := asynq.NewTask(typ, []byte("{not json"))
		var err error
		switch typ {
		case TypeProvision:
			err = h.HandleProvision(context.Background(), bad)
		case TypeTeardown:
			err = h.HandleTeardown(context.Background(), bad)
		default:
			err = h.HandleModelStaged(context.Background(), bad)
		}
		if !errors.Is(err, asynq.SkipRetry) {
			t.Errorf("%s: error = %v, want SkipRetry", typ, err)
		}
	}
}

func TestHandleProvision_MissingFieldsSkipRetry(t *testing.T) {
	prov := &fakeProvisioner{}
	h := NewHandlers(prov, &fakeStaged{})
	err := h.HandleProvision(context.Background(), task(t, TypeProvision, ProvisionPayload{RegionName: "us-west-2"}))
	if !errors.Is(err, asynq.SkipRetry) {
		t.Errorf("error = %v, want SkipRetry", err)
	}
	if len(prov.runs) != 0 {
		t.Error("provisioner ran for an incomplete payload")
	}
}

func TestHandleTeardown(t *testing.T) {
	prov := &fakeProvisioner{tearErr: &apperr.Error{Kind: apperr.KindPartialFailure, Message: "teardown incomplete"}}
	h := NewHandlers(prov, &fakeStaged{})

	err := h.HandleTeardown(context.Background(), task(t, TypeTeardown, TeardownPayload{
		Username:   "bob",
		RegionName: "us-west-2",
		Resources:  models.ProvisioningResources{EndpointID: "api1"},
	}))
	if err == nil || errors.Is(err, asynq.SkipRetry) {
		t.Errorf("error = %v, want a retryable error", err)
	}
	if len(prov.teardowns) != 1 || prov.teardowns[0].Resources.EndpointID != "api1" {
		t.Errorf("teardowns = %+v", prov.teardowns)
	}
}

func TestHandleModelStaged(t *testing.T) {
	staged := &fakeStaged{}
	h := NewHandlers(&fakeProvisioner{}, staged)
	err := h.HandleModelStaged(context.Background(), task(t, TypeModelStaged,
		StagedObjectPayload{Bucket: "neurodeploy-staging", Key: "3f1c"}))
	if err != nil {
		t.Fatalf("HandleModelStaged() error = %v", err)
	}
	if len(staged.keys) != 1 || staged.keys[0] != "neurodeploy-staging/3f1c" {
		t.Errorf("keys = %v", staged.keys)
	}

	staged.err = apperr.NotFound("no model for staging key")
	err = h.HandleModelStaged(context.Background(), task(t, TypeModelStaged,
		StagedObjectPayload{Bucket: "neurodeploy-staging", Key: "orphan"}))
	if err == nil {
		t.Error("HandleModelStaged() error = nil for an unknown key")
	}
}

func TestMux_RoutesEveryType(t *testing.T) {
	prov := &fakeProvisioner{}
	staged := &fakeStaged{}
	mux := NewHandlers(prov, staged).Mux()

	_ = mux.ProcessTask(context.Background(), task(t, TypeProvision, ProvisionPayload{Username: "bob", DomainName: "neurodeploy.com"}))
	_ = mux.ProcessTask(context.Background(), task(t, TypeTeardown, TeardownPayload{Username: "bob"}))
	_ = mux.ProcessTask(context.Background(), task(t, TypeModelStaged, StagedObjectPayload{Bucket: "b", Key: "k"}))

	if len(prov.runs) != 1 || len(prov.teardowns) != 1 || len(staged.keys) != 1 {
		t.Errorf("runs=%d teardowns=%d staged=%d, want 1 each", len(prov.runs), len(prov.teardowns), len(staged.keys))
	}
}

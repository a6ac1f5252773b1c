package services

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/neurodeploy/platform/internal/config"
	"github.com/neurodeploy/platform/internal/proxy"
)

type echoBackend struct {
	requests []map[string]any
}

func (b *echoBackend) Invoke(_ context.Context, _ string, payload []byte) ([]byte, error) {
	var req map[string]any
	_ = json.Unmarshal(payload, &req)
	b.requests = append(b.requests, req)
	return []byte(`{"output": [1]}`), nil
}

// TestTenantFlow walks bob from sign-up to a logged invocation of a private
// model and back out again
func TestTenantFlow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	backend := &echoBackend{}
	px := proxy.NewService(memModels{f.db}, memKeys{f.db}, memUsage{f.db}, f.logs, backend, config.ProxyConfig{
		ExecutionFunction: "neurodeploy-execution",
		InvokeTimeout:     time.Second,
		MaxLoggedBytes:    4096,
	})

	signup, err := f.accounts.SignUp(ctx, "bob", "correct-horse", "bob@example.com")
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if signup.Endpoint != "https://bob.neurodeploy.com" {
		t.Errorf("endpoint = %q", signup.Endpoint)
	}

	register(t, f, iris())
	key := f.db.models["bob/iris"].StagingKey
	upload(t, f, key, "joblib-bytes")

	// the model is not callable until its artifact lands
	payload := json.RawMessage(`[[5.1, 3.5, 1.4, 0.2]]`)
	out := px.Invoke(ctx, proxy.Invocation{Username: "bob", ModelName: "iris", Payload: payload})
	if out.Status != http.StatusNotFound {
		t.Errorf("before upload: status = %d, want 404", out.Status)
	}

	if err := f.registry.HandleStagedObject(ctx, f.staging.Bucket(), key); err != nil {
		t.Fatalf("HandleStagedObject() error = %v", err)
	}

	out = px.Invoke(ctx, proxy.Invocation{Username: "bob", ModelName: "iris", Payload: payload})
	if out.Status != http.StatusForbidden {
		t.Errorf("without key: status = %d, want 403", out.Status)
	}

	issued, err := f.registry.IssueModelAPIKey(ctx, "bob", "iris", nil, 60)
	if err != nil {
		t.Fatal(err)
	}
	out = px.Invoke(ctx, proxy.Invocation{Username: "bob", ModelName: "iris", APIKey: issued.APIKey, Payload: payload})
	if out.Status != http.StatusOK || string(out.Output) != "[1]" {
		t.Fatalf("with key: outcome = %+v", out)
	}
	last := backend.requests[len(backend.requests)-1]
	if last["model"] != "bob/iris" || last["model_type"] != "scikit-learn" || last["persistence_type"] != "joblib" {
		t.Errorf("backend request = %v", last)
	}

	page, err := f.usage.List(ctx, "bob", "iris", ListParams{Order: "desc", Inclusive: true})
	if err != nil {
		t.Fatal(err)
	}
	// the pre-upload call, the keyless call and the successful one
	if len(page.Logs) != 3 || page.Logs[0].StatusCode != http.StatusOK {
		t.Fatalf("logs = %+v", page.Logs)
	}
	entry, err := f.usage.Get(ctx, "bob", "iris", page.Logs[0].Timestamp)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if entry.Location == "" {
		t.Error("no download link")
	}

	if _, err := f.registry.DeleteModel(ctx, "bob", "iris", false); err != nil {
		t.Fatal(err)
	}
	out = px.Invoke(ctx, proxy.Invocation{Username: "bob", ModelName: "iris", APIKey: issued.APIKey, Payload: payload})
	if out.Status != http.StatusBadRequest {
		t.Errorf("after delete: status = %d, want 400", out.Status)
	}

	if _, err := f.accounts.DeleteAccount(ctx, "bob"); err != nil {
		t.Fatalf("DeleteAccount() error = %v", err)
	}
	if _, err := f.accounts.SignIn(ctx, "bob", "correct-horse"); err == nil {
		t.Error("signed in to a closed account")
	}
}

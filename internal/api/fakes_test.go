package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/neurodeploy/platform/internal/apperr"
	"github.com/neurodeploy/platform/internal/auth"
	"github.com/neurodeploy/platform/internal/config"
	"github.com/neurodeploy/platform/internal/db/models"
	"github.com/neurodeploy/platform/internal/queue"
	"github.com/neurodeploy/platform/internal/services"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var errBoom = errors.New("boom: connection reset by peer")

// ---- auth -------------------------------------------------------------------

const goodToken = "good-token"

type fakeGuard struct{}

func (fakeGuard) Authorize(_ context.Context, c auth.Credentials) (*auth.Principal, error) {
	if c.Bearer == goodToken {
		return &auth.Principal{Username: "bob", Method: auth.MethodBearer}, nil
	}
	return nil, apperr.Unauthenticated("invalid credentials")
}

type fakeUsers struct {
	closed bool
}

func (f *fakeUsers) GetByUsername(_ context.Context, username string) (*models.User, error) {
	u := &models.User{Username: username}
	if f.closed {
		t := time.Now()
		u.DeletedAt = &t
	}
	return u, nil
}

// ---- services ---------------------------------------------------------------

type signUpCall struct{ username, password, email string }

type fakeAccounts struct {
	mu sync.Mutex

	signUps      []signUpCall
	credCalls    []time.Duration
	credDescs    []*string
	signUpErr    error
	signInErr    error
	deletion     *services.AccountDeletion
	deleteErr    error
	credErr      error
	deletedCreds []string
}

func (f *fakeAccounts) SignUp(_ context.Context, username, password, email string) (*services.SignUpResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signUps = append(f.signUps, signUpCall{username, password, email})
	if f.signUpErr != nil {
		return nil, f.signUpErr
	}
	return &services.SignUpResult{
		Token:      "tok",
		Credential: services.IssuedCredential{Name: "default", AccessKey: "AK", Secret: "SK"},
		Endpoint:   "https://" + username + ".neurodeploy.com",
	}, nil
}

func (f *fakeAccounts) SignIn(_ context.Context, username, _ string) (*services.SignInResult, error) {
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	return &services.SignInResult{Token: "tok", APIKey: services.IssuedCredential{Name: "session-1", AccessKey: "AK"}}, nil
}

func (f *fakeAccounts) DeleteAccount(_ context.Context, _ string) (*services.AccountDeletion, error) {
	if f.deletion == nil {
		f.deletion = &services.AccountDeletion{}
	}
	return f.deletion, f.deleteErr
}

func (f *fakeAccounts) CreateCredential(_ context.Context, _, name string, desc *string, expiresAfter time.Duration) (*services.IssuedCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.credCalls = append(f.credCalls, expiresAfter)
	f.credDescs = append(f.credDescs, desc)
	if f.credErr != nil {
		return nil, f.credErr
	}
	return &services.IssuedCredential{Name: name, AccessKey: "AK", Secret: "SK"}, nil
}

func (f *fakeAccounts) ListCredentials(_ context.Context, _ string) ([]services.CredentialView, error) {
	return []services.CredentialView{{Name: "default", Kind: "access_key", AccessKey: "AK"}}, nil
}

func (f *fakeAccounts) DeleteCredential(_ context.Context, _, name string) error {
	if name == "missing" {
		return apperr.NotFound(`credential "missing" not found`)
	}
	f.deletedCreds = append(f.deletedCreds, name)
	return nil
}

type deleteModelCall struct {
	model      string
	deleteKeys bool
}

type issueKeyCall struct {
	model   string
	desc    *string
	minutes int
}

type fakeModels struct {
	mu sync.Mutex

	registered  []services.RegisterModelInput
	registerErr error
	deletes     []deleteModelCall
	issued      []issueKeyCall
	keyFilters  []string
	getErr      error
}

func (f *fakeModels) RegisterModel(_ context.Context, in services.RegisterModelInput) (*services.Registration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = append(f.registered, in)
	if f.registerErr != nil {
		return nil, f.registerErr
	}
	return &services.Registration{Message: "ok"}, nil
}

func (f *fakeModels) GetModel(_ context.Context, _, modelName string) (*services.ModelView, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &services.ModelView{ModelName: modelName, Library: "tensorflow", Filetype: "h5"}, nil
}

func (f *fakeModels) ListModels(_ context.Context, _ string) ([]services.ModelView, error) {
	return []services.ModelView{{ModelName: "iris"}}, nil
}

func (f *fakeModels) DeleteModel(_ context.Context, _, modelName string, deleteKeys bool) (*services.ModelDeletion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, deleteModelCall{modelName, deleteKeys})
	return &services.ModelDeletion{ModelDeleted: true}, nil
}

func (f *fakeModels) IssueModelAPIKey(_ context.Context, _, modelName string, desc *string, minutes int) (*services.IssuedModelAPIKey, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issued = append(f.issued, issueKeyCall{modelName, desc, minutes})
	return &services.IssuedModelAPIKey{ID: "k1", ModelName: modelName, APIKey: "secret"}, nil
}

func (f *fakeModels) ListModelAPIKeys(_ context.Context, _, modelName string) ([]services.ModelAPIKeyView, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyFilters = append(f.keyFilters, modelName)
	return []services.ModelAPIKeyView{{ID: "k1", ModelName: "*", Last8: "abcdefgh"}}, nil
}

func (f *fakeModels) RevokeModelAPIKey(_ context.Context, _, id string) error {
	if id != "k1" {
		return apperr.NotFound("API key not found")
	}
	return nil
}

type fakeUsage struct {
	mu     sync.Mutex
	params []services.ListParams
	getErr error
}

func (f *fakeUsage) Get(_ context.Context, _, _, timestamp string) (*services.LogEntry, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	return &services.LogEntry{Timestamp: timestamp, StatusCode: 200, Location: "https://example.test/log"}, nil
}

func (f *fakeUsage) List(_ context.Context, _, _ string, p services.ListParams) (*services.LogPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.params = append(f.params, p)
	return &services.LogPage{Logs: []services.LogEntry{}}, nil
}

// ---- queue ------------------------------------------------------------------

type fakeEnqueuer struct {
	mu       sync.Mutex
	payloads []queue.StagedObjectPayload
	err      error
}

func (f *fakeEnqueuer) EnqueueStagedObject(_ context.Context, p queue.StagedObjectPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, p)
	return nil
}

func (f *fakeEnqueuer) queued() []queue.StagedObjectPayload {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.StagedObjectPayload(nil), f.payloads...)
}

// ---- fixture ----------------------------------------------------------------

type okPinger struct{ err error }

func (p okPinger) PingContext(context.Context) error { return p.err }

func testConfig() *config.Config {
	return &config.Config{
		Security: config.SecurityConfig{
			CORS: config.CORSConfig{AllowedOrigins: []string{"*"}},
		},
		Webhooks: config.WebhooksConfig{StorageEventSecret: "hook-secret"},
	}
}

type fixture struct {
	accounts *fakeAccounts
	models   *fakeModels
	usage    *fakeUsage
	staged   *fakeEnqueuer
	users    *fakeUsers
	router   *gin.Engine
}

func newFixture(t *testing.T, cfg *config.Config) *fixture {
	t.Helper()
	f := &fixture{
		accounts: &fakeAccounts{},
		models:   &fakeModels{},
		usage:    &fakeUsage{},
		staged:   &fakeEnqueuer{},
		users:    &fakeUsers{},
	}
	var bg *BackgroundServices
	f.router, bg = NewRouter(Deps{
		Config:   cfg,
		DB:       okPinger{},
		Accounts: f.accounts,
		Models:   f.models,
		Usage:    f.usage,
		Guard:    fakeGuard{},
		Users:    f.users,
		Staged:   f.staged,
	})
	t.Cleanup(bg.Shutdown)
	return f
}

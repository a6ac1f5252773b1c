package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/neurodeploy/platform/internal/auth"
	"github.com/neurodeploy/platform/internal/config"
	"github.com/neurodeploy/platform/internal/db/models"
	"github.com/neurodeploy/platform/internal/db/repositories"
	"github.com/neurodeploy/platform/internal/queue"
	"github.com/neurodeploy/platform/internal/storage/local"
)

// ---------------------------------------------------------------------------
// In-memory stores
// ---------------------------------------------------------------------------

// memDB implements every store interface of this package, plus the proxy's
// catalog, key store and usage sink, over maps
type memDB struct {
	mu      sync.Mutex
	users   map[string]*models.User
	creds   map[string]*models.Credential // by username/name
	models  map[string]*models.MLModel    // by username/model_name
	keys    map[string]*models.ModelAPIKey
	records map[string]*models.ProvisioningRecord // by username/region
	usage   map[string]*models.UsageRecord        // by username/model/timestamp

	// errs fails the named operation
	errs map[string]error
}

func newMemDB() *memDB {
	return &memDB{
		users:   map[string]*models.User{},
		creds:   map[string]*models.Credential{},
		models:  map[string]*models.MLModel{},
		keys:    map[string]*models.ModelAPIKey{},
		records: map[string]*models.ProvisioningRecord{},
		usage:   map[string]*models.UsageRecord{},
		errs:    map[string]error{},
	}
}

func (d *memDB) fail(op string) error { return d.errs[op] }

// users

type memUsers struct{ *memDB }

func (u memUsers) Create(_ context.Context, user *models.User, initial *models.Credential) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if err := u.fail("users.Create"); err != nil {
		return err
	}
	if _, ok := u.users[user.Username]; ok {
		return repositories.ErrDuplicate
	}
	user.CreatedAt = time.Now().UTC()
	cp := *user
	u.users[user.Username] = &cp
	if initial != nil {
		c := *initial
		c.CreatedAt = user.CreatedAt
		u.creds[c.Username+"/"+c.Name] = &c
	}
	return nil
}

func (u memUsers) GetByUsername(_ context.Context, username string) (*models.User, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if user, ok := u.users[username]; ok {
		cp := *user
		return &cp, nil
	}
	return nil, nil
}

func (u memUsers) SoftDelete(_ context.Context, username string) (bool, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	user, ok := u.users[username]
	if !ok || user.DeletedAt != nil {
		return false, nil
	}
	now := time.Now().UTC()
	user.DeletedAt = &now
	return true, nil
}

// credentials

type memCreds struct{ *memDB }

func (c memCreds) Create(_ context.Context, cred *models.Credential) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("creds.Create"); err != nil {
		return err
	}
	k := cred.Username + "/" + cred.Name
	if _, ok := c.creds[k]; ok {
		return repositories.ErrDuplicate
	}
	cp := *cred
	cp.CreatedAt = time.Now().UTC()
	c.creds[k] = &cp
	return nil
}

func (c memCreds) GetByAccessKey(_ context.Context, accessKey string) (*models.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, cred := range c.creds {
		if cred.AccessKey == accessKey {
			cp := *cred
			return &cp, nil
		}
	}
	return nil, nil
}

func (c memCreds) ListByUser(_ context.Context, username string) ([]*models.Credential, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*models.Credential
	for _, cred := range c.creds {
		if cred.Username == username {
			cp := *cred
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c memCreds) Delete(_ context.Context, username, name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := username + "/" + name
	_, ok := c.creds[k]
	delete(c.creds, k)
	return ok, nil
}

func (c memCreds) DeleteAllForUser(_ context.Context, username string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.fail("creds.DeleteAllForUser"); err != nil {
		return 0, err
	}
	var n int64
	for k, cred := range c.creds {
		if cred.Username == username {
			delete(c.creds, k)
			n++
		}
	}
	return n, nil
}

// models

type memModels struct{ *memDB }

func (m memModels) Create(_ context.Context, model *models.MLModel) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := model.Username + "/" + model.ModelName
	if existing, ok := m.models[k]; ok && !existing.IsDeleted {
		return repositories.ErrDuplicate
	}
	now := time.Now().UTC()
	model.CreatedAt, model.UpdatedAt = now, now
	cp := *model
	m.models[k] = &cp
	return nil
}

func (m memModels) Get(_ context.Context, username, modelName string) (*models.MLModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if model, ok := m.models[username+"/"+modelName]; ok {
		cp := *model
		return &cp, nil
	}
	return nil, nil
}

func (m memModels) GetByStagingKey(_ context.Context, key string) (*models.MLModel, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, model := range m.models {
		if model.IsDeleted {
			continue
		}
		if model.StagingKey == key {
			cp := *model
			return &cp, false, nil
		}
		if model.PreprocessingStagingKey != nil && *model.PreprocessingStagingKey == key {
			cp := *model
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m memModels) ListByUser(_ context.Context, username string) ([]*models.MLModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.MLModel
	for _, model := range m.models {
		if model.Username == username && !model.IsDeleted {
			cp := *model
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelName < out[j].ModelName })
	return out, nil
}

func (m memModels) update(username, modelName string, fn func(*models.MLModel)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	model, ok := m.models[username+"/"+modelName]
	if !ok || model.IsDeleted {
		return false, nil
	}
	fn(model)
	model.UpdatedAt = time.Now().UTC()
	return true, nil
}

// MarkUploaded reports false for a model that is already uploaded, like the
// repository's conditional update
func (m memModels) MarkUploaded(_ context.Context, username, modelName, location string) (bool, error) {
	m.mu.Lock()
	model, ok := m.models[username+"/"+modelName]
	uploaded := ok && model.IsUploaded
	m.mu.Unlock()
	if uploaded {
		return false, nil
	}
	return m.update(username, modelName, func(model *models.MLModel) {
		model.IsUploaded = true
		model.Location = &location
	})
}

func (m memModels) SetPreprocessingLocation(_ context.Context, username, modelName, location string) (bool, error) {
	return m.update(username, modelName, func(model *models.MLModel) {
		model.PreprocessingLocation = &location
	})
}

func (m memModels) SoftDelete(_ context.Context, username, modelName string) (bool, error) {
	return m.update(username, modelName, func(model *models.MLModel) {
		model.IsDeleted = true
	})
}

func (m memModels) SoftDeleteAllForUser(_ context.Context, username string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, model := range m.models {
		if model.Username == username && !model.IsDeleted {
			model.IsDeleted = true
			n++
		}
	}
	return n, nil
}

// model api keys

type memKeys struct{ *memDB }

func (k memKeys) Create(_ context.Context, key *models.ModelAPIKey) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	key.ID = uuid.New().String()
	key.CreatedAt = time.Now().UTC()
	cp := *key
	k.keys[key.ID] = &cp
	return nil
}

func (k memKeys) ListForModel(_ context.Context, username, modelName string) ([]*models.ModelAPIKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []*models.ModelAPIKey
	for _, key := range k.keys {
		if key.Username == username && key.AppliesTo(modelName) {
			cp := *key
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (k memKeys) ListByUser(_ context.Context, username string) ([]*models.ModelAPIKey, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var out []*models.ModelAPIKey
	for _, key := range k.keys {
		if key.Username == username {
			cp := *key
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModelName < out[j].ModelName })
	return out, nil
}

func (k memKeys) Delete(_ context.Context, username, id string) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	key, ok := k.keys[id]
	if !ok || key.Username != username {
		return false, nil
	}
	delete(k.keys, id)
	return true, nil
}

func (k memKeys) DeleteForModel(_ context.Context, username, modelName string) (int64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if err := k.fail("keys.DeleteForModel"); err != nil {
		return 0, err
	}
	var n int64
	for id, key := range k.keys {
		if key.Username == username && key.ModelName == modelName {
			delete(k.keys, id)
			n++
		}
	}
	return n, nil
}

func (k memKeys) DeleteAllForUser(_ context.Context, username string) (int64, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	var n int64
	for id, key := range k.keys {
		if key.Username == username {
			delete(k.keys, id)
			n++
		}
	}
	return n, nil
}

// provisioning records

type memRecords struct{ *memDB }

func (r memRecords) ListByUser(_ context.Context, username string) ([]*models.ProvisioningRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("records.ListByUser"); err != nil {
		return nil, err
	}
	var out []*models.ProvisioningRecord
	for _, rec := range r.records {
		if rec.Username == username {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Region < out[j].Region })
	return out, nil
}

// usage

type memUsage struct{ *memDB }

func usageKey(username, modelName string, t time.Time) string {
	return username + "/" + modelName + "/" + t.UTC().Format(models.UsageTimestampLayout)
}

func (u memUsage) Append(_ context.Context, rec *models.UsageRecord) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	k := usageKey(rec.Username, rec.ModelName, rec.InvokedAt)
	if _, ok := u.usage[k]; ok {
		return repositories.ErrDuplicate
	}
	cp := *rec
	u.usage[k] = &cp
	return nil
}

func (u memUsage) Get(_ context.Context, username, modelName string, invokedAt time.Time) (*models.UsageRecord, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if rec, ok := u.usage[usageKey(username, modelName, invokedAt)]; ok {
		cp := *rec
		return &cp, nil
	}
	return nil, nil
}

func (u memUsage) List(_ context.Context, username, modelName string, q repositories.UsageQuery) ([]*models.UsageRecord, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []*models.UsageRecord
	for _, rec := range u.usage {
		if rec.Username != username || rec.ModelName != modelName {
			continue
		}
		if q.From != nil {
			t, from := rec.InvokedAt, *q.From
			if t.Equal(from) && !q.Inclusive {
				continue
			}
			if !q.Descending && t.Before(from) || q.Descending && t.After(from) {
				continue
			}
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if q.Descending {
			return out[i].InvokedAt.After(out[j].InvokedAt)
		}
		return out[i].InvokedAt.Before(out[j].InvokedAt)
	})
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Task queue
// ---------------------------------------------------------------------------

type fakeTasks struct {
	mu         sync.Mutex
	provisions []queue.ProvisionPayload
	teardowns  []queue.TeardownPayload
	err        error
}

func (f *fakeTasks) EnqueueProvision(_ context.Context, p queue.ProvisionPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.provisions = append(f.provisions, p)
	return nil
}

func (f *fakeTasks) EnqueueTeardown(_ context.Context, p queue.TeardownPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.teardowns = append(f.teardowns, p)
	return nil
}

var errBoom = errors.New("boom")

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fixture struct {
	db       *memDB
	tasks    *fakeTasks
	tokens   *auth.TokenIssuer
	accounts *AccountService
	registry *Registry
	usage    *UsageService
	staging  *local.Store
	models   *local.Store
	logs     *local.Store
}

func testConfig() *config.Config {
	return &config.Config{
		AWS:    config.AWSConfig{Region: "us-west-2"},
		Domain: config.DomainConfig{BaseDomain: "neurodeploy.com"},
		Auth: config.AuthConfig{
			TokenTTL:          time.Hour,
			SignInKeyTTL:      time.Hour,
			MinPasswordLength: 8,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()
	db := newMemDB()
	tasks := &fakeTasks{}

	tokens, err := auth.NewTokenIssuer([]string{"test-secret-that-is-long-enough-to-sign"}, cfg.Auth.TokenTTL)
	if err != nil {
		t.Fatalf("NewTokenIssuer() error = %v", err)
	}

	dir := t.TempDir()
	signer := local.NewSigner([]byte("test-key"))
	open := func(bucket string) *local.Store {
		s, err := local.New(dir, bucket, "http://localhost:8080", signer)
		if err != nil {
			t.Fatalf("local.New(%s) error = %v", bucket, err)
		}
		return s
	}
	staging, artifacts, logs := open("neurodeploy-staging"), open("neurodeploy-models"), open("neurodeploy-logs")

	return &fixture{
		db:       db,
		tasks:    tasks,
		tokens:   tokens,
		accounts: NewAccountService(memUsers{db}, memCreds{db}, memRecords{db}, memModels{db}, memKeys{db}, tasks, tokens, cfg),
		registry: NewRegistry(memModels{db}, memKeys{db}, staging, artifacts, time.Hour),
		usage:    NewUsageService(memUsage{db}, logs, time.Minute),
		staging:  staging,
		models:   artifacts,
		logs:     logs,
	}
}

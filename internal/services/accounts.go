package services

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"regexp"
	"time"

	"github.com/neurodeploy/platform/internal/apperr"
	"github.com/neurodeploy/platform/internal/auth"
	"github.com/neurodeploy/platform/internal/config"
	"github.com/neurodeploy/platform/internal/db/models"
	"github.com/neurodeploy/platform/internal/db/repositories"
	"github.com/neurodeploy/platform/internal/provisioning"
	"github.com/neurodeploy/platform/internal/queue"
)

var (
	// usernames become DNS labels of the tenant subdomain
	usernamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)
	// resourceNamePattern covers credential and model names
	resourceNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// IssuedCredential is a credential with its plaintext secret, returned once
type IssuedCredential struct {
	Name      string     `json:"name"`
	AccessKey string     `json:"access_key"`
	Secret    string     `json:"secret"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// SignUpResult is returned by SignUp
type SignUpResult struct {
	Token      string           `json:"token"`
	ExpiresAt  time.Time        `json:"expires_at"`
	Credential IssuedCredential `json:"credential"`
	Endpoint   string           `json:"endpoint"`
}

// SignInResult is returned by SignIn
type SignInResult struct {
	Token     string           `json:"token"`
	ExpiresAt time.Time        `json:"expires_at"`
	APIKey    IssuedCredential `json:"api_key"`
}

// CredentialView is a credential without secret material
type CredentialView struct {
	Name        string     `json:"name"`
	Kind        string     `json:"kind"`
	AccessKey   string     `json:"access_key"`
	Description *string    `json:"description,omitempty"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

// AccountDeletion reports what DeleteAccount did
type AccountDeletion struct {
	CredentialsDeleted int64    `json:"credentials_deleted"`
	APIKeysDeleted     int64    `json:"api_keys_deleted"`
	ModelsDeleted      int64    `json:"models_deleted"`
	TeardownsQueued    []string `json:"teardowns_queued"`
}

// AccountService manages users and their credentials
type AccountService struct {
	users   UserStore
	creds   CredentialStore
	records ProvisioningRecords
	models  ModelStore
	keys    ModelKeyStore
	tasks   TaskQueue
	tokens  *auth.TokenIssuer
	authCfg config.AuthConfig
	domain  config.DomainConfig
	region  string
	now     func() time.Time
}

// NewAccountService creates an AccountService
func NewAccountService(
	users UserStore,
	creds CredentialStore,
	records ProvisioningRecords,
	modelStore ModelStore,
	keys ModelKeyStore,
	tasks TaskQueue,
	tokens *auth.TokenIssuer,
	cfg *config.Config,
) *AccountService {
	return &AccountService{
		users:   users,
		creds:   creds,
		records: records,
		models:  modelStore,
		keys:    keys,
		tasks:   tasks,
		tokens:  tokens,
		authCfg: cfg.Auth,
		domain:  cfg.Domain,
		region:  cfg.AWS.Region,
		now:     time.Now,
	}
}

// newCredential generates a key pair. The returned credential holds only the
// secret hash; the plaintext secret is returned separately.
func newCredential(username, name string, kind models.CredentialKind, description *string, expiresAt *time.Time) (*models.Credential, string) {
	accessKey, secret := auth.GenerateAccessKeyPair()
	salt := auth.GenerateSalt()
	return &models.Credential{
		Username:    username,
		Name:        name,
		Kind:        kind,
		AccessKey:   accessKey,
		SecretHash:  auth.HashSecret(secret, salt),
		Salt:        salt,
		Description: description,
		ExpiresAt:   expiresAt,
	}, secret
}

func (s *AccountService) validateSignUp(username, password, email string) error {
	var problems []string
	if !usernamePattern.MatchString(username) {
		problems = append(problems, "Invalid username: use 1-63 lowercase letters, digits or hyphens, not starting or ending with a hyphen.")
	}
	minLen := s.authCfg.MinPasswordLength
	if minLen <= 0 {
		minLen = 8
	}
	if len(password) < minLen {
		problems = append(problems, fmt.Sprintf("Invalid password: must be at least %d characters long.", minLen))
	}
	if _, err := mail.ParseAddress(email); err != nil {
		problems = append(problems, "Invalid email address.")
	}
	if len(problems) > 0 {
		return apperr.Validation(problems...)
	}
	return nil
}

// SignUp creates an account with a default credential, issues a bearer token
// and schedules provisioning of the tenant's subdomain
func (s *AccountService) SignUp(ctx context.Context, username, password, email string) (*SignUpResult, error) {
	if err := s.validateSignUp(username, password, email); err != nil {
		return nil, err
	}

	salt := auth.GenerateSalt()
	hash, err := auth.HashPassword(password, salt)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	user := &models.User{Username: username, Email: email, PasswordSalt: salt, PasswordHash: hash}
	cred, secret := newCredential(username, models.DefaultCredentialName, models.CredentialKindAccessKey, nil, nil)

	if err := s.users.Create(ctx, user, cred); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, apperr.AlreadyExists(fmt.Sprintf("The username %q already exists.", username))
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	token, expiresAt, err := s.tokens.Issue(username)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	// sign-in enqueues again if this is lost, so it does not fail sign-up
	if err := s.enqueueProvision(ctx, username); err != nil {
		slog.Error("failed to enqueue provisioning", "username", username, "error", err)
	}

	return &SignUpResult{
		Token:     token,
		ExpiresAt: expiresAt,
		Credential: IssuedCredential{
			Name:      cred.Name,
			AccessKey: cred.AccessKey,
			Secret:    secret,
		},
		Endpoint: "https://" + s.domain.TenantHost(username),
	}, nil
}

func (s *AccountService) enqueueProvision(ctx context.Context, username string) error {
	return s.tasks.EnqueueProvision(ctx, queue.ProvisionPayload{
		Username:   username,
		DomainName: s.domain.BaseDomain,
		RegionName: s.region,
	})
}

// SignIn checks a password and issues a bearer token plus a short-lived key
// pair. A tenant whose subdomain is not fully provisioned has provisioning
// scheduled again.
func (s *AccountService) SignIn(ctx context.Context, username, password string) (*SignInResult, error) {
	user, err := s.users.GetByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	if user == nil || !user.IsActive() || !auth.CheckPassword(password, user.PasswordSalt, user.PasswordHash) {
		return nil, apperr.Unauthenticated("invalid username or password")
	}

	token, expiresAt, err := s.tokens.Issue(username)
	if err != nil {
		return nil, fmt.Errorf("failed to issue token: %w", err)
	}

	ttl := s.authCfg.SignInKeyTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	keyExpiry := s.now().UTC().Add(ttl)
	cred, secret := newCredential(username, sessionCredentialName(), models.CredentialKindSession, nil, &keyExpiry)
	if err := s.creds.Create(ctx, cred); err != nil {
		return nil, fmt.Errorf("failed to create session credential: %w", err)
	}

	s.resumeProvisioning(ctx, username)

	return &SignInResult{
		Token:     token,
		ExpiresAt: expiresAt,
		APIKey: IssuedCredential{
			Name:      cred.Name,
			AccessKey: cred.AccessKey,
			Secret:    secret,
			ExpiresAt: &keyExpiry,
		},
	}, nil
}

func sessionCredentialName() string {
	b := make([]byte, 6)
	_, _ = rand.Read(b)
	return "session-" + hex.EncodeToString(b)
}

func (s *AccountService) resumeProvisioning(ctx context.Context, username string) {
	records, err := s.records.ListByUser(ctx, username)
	if err != nil {
		slog.Warn("failed to read provisioning records", "username", username, "error", err)
		return
	}
	for _, rec := range records {
		if rec.Region == s.region && rec.Step == string(provisioning.StepDone) {
			return
		}
	}
	if err := s.enqueueProvision(ctx, username); err != nil {
		slog.Warn("failed to enqueue provisioning", "username", username, "error", err)
	}
}

// DeleteAccount closes an account, removes its credentials and keys,
// soft-deletes its models and schedules teardown of every provisioned
// region. Cleanup steps are independent; the account stays closed even when
// one of them fails, and the failures are reported as a PartialFailure.
func (s *AccountService) DeleteAccount(ctx context.Context, username string) (*AccountDeletion, error) {
	ok, err := s.users.SoftDelete(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to close account: %w", err)
	}
	if !ok {
		return nil, apperr.NotFound("account not found")
	}

	var res AccountDeletion
	var problems []string
	note := func(what string, err error) {
		slog.Error("account cleanup step failed", "username", username, "step", what, "error", err)
		problems = append(problems, what)
	}

	if res.CredentialsDeleted, err = s.creds.DeleteAllForUser(ctx, username); err != nil {
		note("credentials", err)
	}
	if res.APIKeysDeleted, err = s.keys.DeleteAllForUser(ctx, username); err != nil {
		note("api_keys", err)
	}
	if res.ModelsDeleted, err = s.models.SoftDeleteAllForUser(ctx, username); err != nil {
		note("models", err)
	}

	records, err := s.records.ListByUser(ctx, username)
	if err != nil {
		note("provisioning_records", err)
	}
	for _, rec := range records {
		err := s.tasks.EnqueueTeardown(ctx, queue.TeardownPayload{
			Username:   username,
			RegionName: rec.Region,
			Resources:  rec.Resources,
		})
		if err != nil {
			note("teardown:"+rec.Region, err)
			continue
		}
		res.TeardownsQueued = append(res.TeardownsQueued, rec.Region)
	}

	if len(problems) > 0 {
		return &res, &apperr.Error{
			Kind:    apperr.KindPartialFailure,
			Message: "account closed but cleanup is incomplete",
			Details: problems,
		}
	}
	slog.Info("account deleted", "username", username, "teardowns", res.TeardownsQueued)
	return &res, nil
}

// CreateCredential issues a named key pair. expiresAfter of zero means the
// credential does not expire.
func (s *AccountService) CreateCredential(ctx context.Context, username, name string, description *string, expiresAfter time.Duration) (*IssuedCredential, error) {
	if !resourceNamePattern.MatchString(name) {
		return nil, apperr.Validation("Invalid credential name: Only alphanumeric characters [A-Za-z0-9], hyphens ('-'), and underscores ('_') are allowed.")
	}
	if expiresAfter < 0 {
		return nil, apperr.Validation("Invalid expiration: must be positive.")
	}
	var expiresAt *time.Time
	if expiresAfter > 0 {
		t := s.now().UTC().Add(expiresAfter)
		expiresAt = &t
	}

	cred, secret := newCredential(username, name, models.CredentialKindAccessKey, description, expiresAt)
	if err := s.creds.Create(ctx, cred); err != nil {
		if errors.Is(err, repositories.ErrDuplicate) {
			return nil, apperr.AlreadyExists(fmt.Sprintf("A credential named %q already exists.", name))
		}
		return nil, fmt.Errorf("failed to create credential: %w", err)
	}
	return &IssuedCredential{Name: name, AccessKey: cred.AccessKey, Secret: secret, ExpiresAt: expiresAt}, nil
}

// ListCredentials returns a user's credentials without secrets
func (s *AccountService) ListCredentials(ctx context.Context, username string) ([]CredentialView, error) {
	creds, err := s.creds.ListByUser(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	out := make([]CredentialView, 0, len(creds))
	for _, c := range creds {
		out = append(out, CredentialView{
			Name:        c.Name,
			Kind:        string(c.Kind),
			AccessKey:   c.AccessKey,
			Description: c.Description,
			ExpiresAt:   c.ExpiresAt,
			CreatedAt:   c.CreatedAt,
		})
	}
	return out, nil
}

// DeleteCredential removes a credential and its reverse index entry
func (s *AccountService) DeleteCredential(ctx context.Context, username, name string) error {
	ok, err := s.creds.Delete(ctx, username, name)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	if !ok {
		return apperr.NotFound(fmt.Sprintf("credential %q not found", name))
	}
	return nil
}

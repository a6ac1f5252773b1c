package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/neurodeploy/platform/internal/apperr"
	"github.com/neurodeploy/platform/internal/db/models"
)

// Method names how a Principal authenticated
type Method string

const (
	MethodBearer    Method = "bearer"
	MethodAccessKey Method = "access_key"
)

// CredentialLookup resolves an access key through the reverse credential
// index. It returns nil when the key is unknown.
type CredentialLookup interface {
	GetByAccessKey(ctx context.Context, accessKey string) (*models.Credential, error)
}

// Credentials are the credential-bearing fields of an inbound request
type Credentials struct {
	Bearer    string
	AccessKey string
	Secret    string
}

// Redacted returns a copy safe to log: the access key is kept so requests
// can be traced, token and secret are masked.
func (c Credentials) Redacted() Credentials {
	out := Credentials{AccessKey: c.AccessKey}
	if c.Bearer != "" {
		out.Bearer = "[REDACTED]"
	}
	if c.Secret != "" {
		out.Secret = "[REDACTED]"
	}
	return out
}

// IsEmpty reports whether no credential field is set
func (c Credentials) IsEmpty() bool {
	return c.Bearer == "" && c.AccessKey == "" && c.Secret == ""
}

// Principal is an authenticated caller
type Principal struct {
	Username string
	// ExpiresAt is when the presented credential stops being valid; nil for
	// credentials without expiry
	ExpiresAt *time.Time
	Method    Method
	// CredentialName is set for access key authentication
	CredentialName string
}

// Guard authorizes requests by bearer token or access key pair
type Guard struct {
	tokens *TokenIssuer
	creds  CredentialLookup
	now    func() time.Time
}

// NewGuard creates a Guard
func NewGuard(tokens *TokenIssuer, creds CredentialLookup) *Guard {
	return &Guard{tokens: tokens, creds: creds, now: time.Now}
}

// Authorize returns the Principal for c or an Unauthenticated error. A bearer
// token is tried first; the key pair is tried when the bearer is absent or
// rejected and both halves look well formed.
func (g *Guard) Authorize(ctx context.Context, c Credentials) (*Principal, error) {
	var bearerErr error
	if c.Bearer != "" {
		p, err := g.authorizeBearer(c.Bearer)
		if err == nil {
			return p, nil
		}
		bearerErr = err
	}

	if plausibleKeyPair(c.AccessKey, c.Secret) {
		return g.authorizeKeyPair(ctx, c.AccessKey, c.Secret)
	}

	switch {
	case bearerErr != nil:
		return nil, bearerErr
	case c.AccessKey != "" || c.Secret != "":
		return nil, apperr.Unauthenticated("invalid access key or secret")
	default:
		return nil, apperr.Unauthenticated("missing credentials")
	}
}

func (g *Guard) authorizeBearer(token string) (*Principal, error) {
	claims, err := g.tokens.Verify(token)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return nil, apperr.Unauthenticated("token expired")
		}
		return nil, apperr.Unauthenticated("invalid token")
	}
	p := &Principal{Username: claims.Username, Method: MethodBearer}
	if claims.ExpiresAt != nil {
		exp := claims.ExpiresAt.Time
		p.ExpiresAt = &exp
	}
	return p, nil
}

func (g *Guard) authorizeKeyPair(ctx context.Context, accessKey, secret string) (*Principal, error) {
	cred, err := g.creds.GetByAccessKey(ctx, accessKey)
	if err != nil {
		return nil, apperr.Wrap(err, apperr.KindInternal, "failed to look up credential")
	}
	// Unknown key and wrong secret share one message.
	if cred == nil || !SecretMatches(secret, cred.Salt, cred.SecretHash) {
		return nil, apperr.Unauthenticated("invalid access key or secret")
	}
	if cred.IsExpired(g.now()) {
		return nil, apperr.Unauthenticated("credentials expired")
	}
	return &Principal{
		Username:       cred.Username,
		ExpiresAt:      cred.ExpiresAt,
		Method:         MethodAccessKey,
		CredentialName: cred.Name,
	}, nil
}

// ExtractBearerToken extracts the token from an Authorization header.
// Expected format: "Bearer eyJhbGciOi..."
func ExtractBearerToken(header string) (string, error) {
	if header == "" {
		return "", errors.New("authorization header is empty")
	}
	if !strings.HasPrefix(header, "Bearer ") {
		return "", errors.New("authorization header must start with 'Bearer '")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		return "", errors.New("token is empty after Bearer prefix")
	}
	return token, nil
}

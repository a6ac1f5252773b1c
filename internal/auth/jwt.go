// Package auth provides the platform's authentication primitives: bearer
// token issuance and verification, credential hashing, key generation, and
// the Guard that turns inbound credentials into a Principal.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenExpired is returned for a token whose signature verified but
	// whose expiry has passed
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenInvalid is returned for a token no signing secret verifies
	ErrTokenInvalid = errors.New("invalid token")
)

// DefaultTokenTTL is used when a TokenIssuer is created without a TTL
const DefaultTokenTTL = 24 * time.Hour

// Claims is the bearer token payload
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// TokenIssuer signs and verifies HS256 bearer tokens. New tokens are signed
// with the first secret; verification tries every secret in order so tokens
// signed before a rotation stay valid until they expire.
type TokenIssuer struct {
	mu      sync.RWMutex
	secrets [][]byte
	ttl     time.Duration
	now     func() time.Time
}

// NewTokenIssuer creates a TokenIssuer. secrets must hold at least one entry,
// current first.
func NewTokenIssuer(secrets []string, ttl time.Duration) (*TokenIssuer, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	i := &TokenIssuer{ttl: ttl, now: time.Now}
	if err := i.SetSecrets(secrets); err != nil {
		return nil, err
	}
	return i, nil
}

// SetSecrets replaces the signing secrets, current first
func (i *TokenIssuer) SetSecrets(secrets []string) error {
	keys := make([][]byte, 0, len(secrets))
	for _, s := range secrets {
		if s != "" {
			keys = append(keys, []byte(s))
		}
	}
	if len(keys) == 0 {
		return errors.New("at least one signing secret is required")
	}
	i.mu.Lock()
	i.secrets = keys
	i.mu.Unlock()
	return nil
}

// TTL returns the lifetime of issued tokens
func (i *TokenIssuer) TTL() time.Duration {
	return i.ttl
}

// Issue signs a token for username and returns it with its expiry
func (i *TokenIssuer) Issue(username string) (string, time.Time, error) {
	now := i.now().UTC()
	expiresAt := now.Add(i.ttl)

	claims := &Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    "neurodeploy",
			Subject:   username,
		},
	}

	i.mu.RLock()
	key := i.secrets[0]
	i.mu.RUnlock()

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// Verify checks tokenString against each secret in order. A signature
// mismatch moves on to the next secret; an expired token is rejected as soon
// as a secret verifies its signature.
func (i *TokenIssuer) Verify(tokenString string) (*Claims, error) {
	i.mu.RLock()
	secrets := i.secrets
	i.mu.RUnlock()

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)

	for _, key := range secrets {
		claims := &Claims{}
		_, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
			return key, nil
		})
		switch {
		case err == nil:
			if claims.Username == "" {
				return nil, ErrTokenInvalid
			}
			return claims, nil
		case errors.Is(err, jwt.ErrTokenSignatureInvalid):
			continue
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, ErrTokenExpired
		default:
			return nil, ErrTokenInvalid
		}
	}
	return nil, ErrTokenInvalid
}

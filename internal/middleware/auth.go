// Package middleware provides the Gin middleware shared by the management
// API and the execution proxy.
//
// Ordering, enforced by the routers:
//
//	Recovery → RequestID → AccessLog → Metrics → SecurityHeaders → CORS → RateLimit → Auth → Handler
//
// Rate limiting runs before Auth so credential guessing is throttled before
// any database lookup.
package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/neurodeploy/platform/internal/apperr"
	"github.com/neurodeploy/platform/internal/auth"
	"github.com/neurodeploy/platform/internal/db/models"
)

const (
	// AccessKeyHeader and SecretKeyHeader carry an access key pair
	AccessKeyHeader = "access-key"
	SecretKeyHeader = "secret-key"

	// UsernameKey is the gin.Context key holding the authenticated username
	UsernameKey = "username"
	// PrincipalKey holds the *auth.Principal
	PrincipalKey = "principal"
)

// Authorizer authenticates request credentials
type Authorizer interface {
	Authorize(ctx context.Context, c auth.Credentials) (*auth.Principal, error)
}

// AccountLookup reports whether an account is still open. Bearer tokens stay
// valid until they expire, so closed accounts are rejected here.
type AccountLookup interface {
	GetByUsername(ctx context.Context, username string) (*models.User, error)
}

// requestCredentials reads the credential fields of a request. A malformed
// Authorization header leaves Bearer empty so the key pair still gets a try.
func requestCredentials(c *gin.Context) auth.Credentials {
	creds := auth.Credentials{
		AccessKey: strings.TrimSpace(c.GetHeader(AccessKeyHeader)),
		Secret:    strings.TrimSpace(c.GetHeader(SecretKeyHeader)),
	}
	if token, err := auth.ExtractBearerToken(c.GetHeader("Authorization")); err == nil {
		creds.Bearer = token
	}
	return creds
}

// Auth rejects requests without valid credentials and sets UsernameKey and
// PrincipalKey for handlers. accounts may be nil to skip the open-account
// check.
func Auth(guard Authorizer, accounts AccountLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		creds := requestCredentials(c)
		principal, err := guard.Authorize(c.Request.Context(), creds)
		if err != nil {
			Logger(c).Info("authentication failed", "credentials", creds.Redacted(), "error", err)
			c.AbortWithStatusJSON(apperr.HTTPStatus(err), gin.H{"error": apperr.Message(err)})
			return
		}

		if accounts != nil {
			user, err := accounts.GetByUsername(c.Request.Context(), principal.Username)
			if err != nil {
				Logger(c).Error("failed to load account", "username", principal.Username, "error", err)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
				return
			}
			if user == nil || !user.IsActive() {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "account is closed"})
				return
			}
		}

		c.Set(UsernameKey, principal.Username)
		c.Set(PrincipalKey, principal)
		withLogAttrs(c, UsernameKey, principal.Username, "auth_method", string(principal.Method))
		c.Next()
	}
}

// Username returns the authenticated username, empty when Auth did not run
func Username(c *gin.Context) string {
	return c.GetString(UsernameKey)
}

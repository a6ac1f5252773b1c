package models

import "time"

// CredentialKind distinguishes long-lived access key pairs from the
// short-lived pairs handed out on sign-in
type CredentialKind string

const (
	CredentialKindAccessKey CredentialKind = "access_key"
	CredentialKindSession   CredentialKind = "session"
)

// DefaultCredentialName is the credential created on sign-up
const DefaultCredentialName = "default"

// Credential is an access key / secret pair owned by a user. The access key
// is also stored in the credential_index table, which maps it back to the
// owner without scanning.
type Credential struct {
	Username    string
	Name        string // Unique per user
	Kind        CredentialKind
	AccessKey   string
	SecretHash  string // sha256(secret + salt), hex encoded
	Salt        string
	Description *string
	ExpiresAt   *time.Time // nil means the credential never expires
	CreatedAt   time.Time
}

// IsExpired reports whether the credential's expiry has passed at now
func (c *Credential) IsExpired(now time.Time) bool {
	return c.ExpiresAt != nil && !now.Before(*c.ExpiresAt)
}

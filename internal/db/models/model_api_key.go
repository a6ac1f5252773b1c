package models

import "time"

// WildcardModel scopes a model API key to every model of its owner
const WildcardModel = "*"

// ModelAPIKey grants callers access to a tenant's private model(s)
type ModelAPIKey struct {
	ID          string
	Username    string
	ModelName   string  // A model name or WildcardModel
	KeyHash     string  // sha256 of the full key, hex encoded
	Last8       string  // Last 8 characters of the key, for display
	Description *string // Optional human-friendly description
	ExpiresAt   *time.Time
	CreatedAt   time.Time
}

// IsExpired reports whether the key's expiry has passed at now. Keys without
// an expiry never expire.
func (k *ModelAPIKey) IsExpired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// AppliesTo reports whether the key grants access to modelName
func (k *ModelAPIKey) AppliesTo(modelName string) bool {
	return k.ModelName == WildcardModel || k.ModelName == modelName
}

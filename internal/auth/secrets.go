package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const (
	// AccessKeyPrefix starts every access key
	AccessKeyPrefix = "AK"
	// AccessKeyLength is the full length of an access key
	AccessKeyLength = 20
	// SecretLength is the length of an access secret
	SecretLength = 40

	// ModelAPIKeyPrefix starts every model API key
	ModelAPIKeyPrefix = "ndp_"
	// modelAPIKeyBytes is the random part of a model API key in bytes
	modelAPIKeyBytes = 32

	// BcryptCost is the cost factor for password hashing
	BcryptCost = 12

	saltBytes = 16
)

var base32NoPad = base32.StdEncoding.WithPadding(base32.NoPadding)

// isDevMode reports whether the process runs in development mode
func isDevMode() bool {
	devMode := os.Getenv("DEV_MODE")
	ginMode := os.Getenv("GIN_MODE")
	return devMode == "true" || devMode == "1" || ginMode == "debug"
}

// LoadSigningSecrets validates the configured bearer token secrets. When none
// are configured, development mode gets a random secret and production fails.
func LoadSigningSecrets(configured []string) ([]string, error) {
	var secrets []string
	for _, s := range configured {
		if s = strings.TrimSpace(s); s != "" {
			secrets = append(secrets, s)
		}
	}

	if len(secrets) == 0 {
		if !isDevMode() {
			return nil, errors.New("auth.jwt_secrets (NDP_AUTH_JWT_SECRETS) is required in production; " +
				"generate one with: openssl rand -hex 32")
		}
		slog.Warn("no bearer token secret configured, using an auto-generated one; tokens will not survive restarts")
		return []string{randomHex(32)}, nil
	}

	if len(secrets[0]) < 32 {
		slog.Warn("current bearer token secret is shorter than the recommended 32 characters")
	}
	return secrets, nil
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		// crypto/rand only fails when the OS entropy source is broken
		panic(fmt.Sprintf("crypto/rand: %v", err))
	}
	return b
}

func randomHex(n int) string {
	return hex.EncodeToString(randomBytes(n))
}

// GenerateSalt returns a random hex salt
func GenerateSalt() string {
	return randomHex(saltBytes)
}

func sha256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// HashPassword returns bcrypt(sha256(password + salt)). The digest keeps long
// passwords within bcrypt's 72 byte input limit.
func HashPassword(password, salt string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(sha256Hex(password+salt)), BcryptCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches a HashPassword result
func CheckPassword(password, salt, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(sha256Hex(password+salt))) == nil
}

// HashSecret returns hex(sha256(secret + salt))
func HashSecret(secret, salt string) string {
	return sha256Hex(secret + salt)
}

// SecretMatches compares a presented secret with a stored hash in constant time
func SecretMatches(secret, salt, storedHash string) bool {
	computed := HashSecret(secret, salt)
	return subtle.ConstantTimeCompare([]byte(computed), []byte(storedHash)) == 1
}

// GenerateAccessKeyPair returns a new access key and its plaintext secret
func GenerateAccessKeyPair() (accessKey, secret string) {
	accessKey = AccessKeyPrefix + base32NoPad.EncodeToString(randomBytes(12))[:AccessKeyLength-len(AccessKeyPrefix)]
	secret = base64.RawURLEncoding.EncodeToString(randomBytes(30))
	return accessKey, secret
}

// plausibleKeyPair reports whether accessKey and secret have the shape
// GenerateAccessKeyPair produces
func plausibleKeyPair(accessKey, secret string) bool {
	if len(accessKey) != AccessKeyLength || !strings.HasPrefix(accessKey, AccessKeyPrefix) {
		return false
	}
	if len(secret) != SecretLength {
		return false
	}
	for _, r := range accessKey[len(AccessKeyPrefix):] {
		if !(r >= 'A' && r <= 'Z') && !(r >= '2' && r <= '7') {
			return false
		}
	}
	return true
}

// GenerateModelAPIKey creates a model API key.
// Returns: full key (to show once), sha256 hash (to store), last 8 characters
func GenerateModelAPIKey() (key, hash, last8 string) {
	key = ModelAPIKeyPrefix + base64.RawURLEncoding.EncodeToString(randomBytes(modelAPIKeyBytes))
	return key, HashModelAPIKey(key), key[len(key)-8:]
}

// HashModelAPIKey returns the stored form of a model API key
func HashModelAPIKey(key string) string {
	return sha256Hex(key)
}

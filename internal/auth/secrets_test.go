package auth

import (
	"strings"
	"testing"
)

func TestLoadSigningSecrets(t *testing.T) {
	t.Run("configured secrets are kept in order", func(t *testing.T) {
		got, err := LoadSigningSecrets([]string{" " + currentSecret, "", previousSecret})
		if err != nil {
			t.Fatalf("LoadSigningSecrets() error: %v", err)
		}
		if len(got) != 2 || got[0] != currentSecret || got[1] != previousSecret {
			t.Errorf("LoadSigningSecrets() = %v", got)
		}
	})

	t.Run("production requires a secret", func(t *testing.T) {
		t.Setenv("DEV_MODE", "")
		t.Setenv("GIN_MODE", "release")
		if _, err := LoadSigningSecrets(nil); err == nil {
			t.Error("LoadSigningSecrets() expected error in production mode, got nil")
		}
	})

	t.Run("dev mode generates a secret", func(t *testing.T) {
		t.Setenv("DEV_MODE", "true")
		got, err := LoadSigningSecrets(nil)
		if err != nil {
			t.Fatalf("LoadSigningSecrets() error in dev mode: %v", err)
		}
		if len(got) != 1 || len(got[0]) != 64 {
			t.Errorf("LoadSigningSecrets() = %v, want one 64-char secret", got)
		}
	})
}

func TestHashPassword(t *testing.T) {
	salt := GenerateSalt()
	hash, err := HashPassword("longenough1", salt)
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}
	if !CheckPassword("longenough1", salt, hash) {
		t.Error("CheckPassword() = false for the right password")
	}
	if CheckPassword("longenough2", salt, hash) {
		t.Error("CheckPassword() = true for a wrong password")
	}
	if CheckPassword("longenough1", GenerateSalt(), hash) {
		t.Error("CheckPassword() = true for a different salt")
	}
}

func TestHashPassword_LongPassword(t *testing.T) {
	salt := GenerateSalt()
	long := strings.Repeat("p", 200)
	hash, err := HashPassword(long, salt)
	if err != nil {
		t.Fatalf("HashPassword() error: %v", err)
	}
	// Passwords sharing a 72 byte prefix must still differ.
	if CheckPassword(long[:100], salt, hash) {
		t.Error("CheckPassword() = true for a truncated password")
	}
}

func TestSecretMatches(t *testing.T) {
	salt := GenerateSalt()
	stored := HashSecret("s3cret", salt)

	if !SecretMatches("s3cret", salt, stored) {
		t.Error("SecretMatches() = false for the right secret")
	}
	if SecretMatches("s3cre", salt, stored) {
		t.Error("SecretMatches() = true for a wrong secret")
	}
	if SecretMatches("s3cret", salt, "") {
		t.Error("SecretMatches() = true against an empty hash")
	}
}

func TestGenerateAccessKeyPair(t *testing.T) {
	key, secret := GenerateAccessKeyPair()
	if len(key) != AccessKeyLength || !strings.HasPrefix(key, AccessKeyPrefix) {
		t.Errorf("access key %q has the wrong shape", key)
	}
	if len(secret) != SecretLength {
		t.Errorf("secret length = %d, want %d", len(secret), SecretLength)
	}
	if !plausibleKeyPair(key, secret) {
		t.Error("plausibleKeyPair() rejected a generated pair")
	}

	key2, secret2 := GenerateAccessKeyPair()
	if key == key2 || secret == secret2 {
		t.Error("GenerateAccessKeyPair() returned the same pair twice")
	}
}

func TestPlausibleKeyPair(t *testing.T) {
	key, secret := GenerateAccessKeyPair()
	tests := []struct {
		name   string
		key    string
		secret string
	}{
		{"empty", "", ""},
		{"missing secret", key, ""},
		{"missing key", "", secret},
		{"short key", key[:10], secret},
		{"wrong prefix", "XX" + key[2:], secret},
		{"lowercase key", strings.ToLower(key), secret},
		{"short secret", key, secret[:20]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if plausibleKeyPair(tt.key, tt.secret) {
				t.Errorf("plausibleKeyPair(%q, %q) = true", tt.key, tt.secret)
			}
		})
	}
}

func TestGenerateModelAPIKey(t *testing.T) {
	key, hash, last8 := GenerateModelAPIKey()
	if !strings.HasPrefix(key, ModelAPIKeyPrefix) {
		t.Errorf("key %q missing prefix %q", key, ModelAPIKeyPrefix)
	}
	if hash != HashModelAPIKey(key) {
		t.Error("hash does not match HashModelAPIKey(key)")
	}
	if len(hash) != 64 {
		t.Errorf("hash length = %d, want 64", len(hash))
	}
	if last8 != key[len(key)-8:] {
		t.Errorf("last8 = %q, want %q", last8, key[len(key)-8:])
	}
}

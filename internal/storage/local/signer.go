package local

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neurodeploy/platform/internal/config"
)

var (
	// ErrURLExpired is returned for signed URLs past their expiry
	ErrURLExpired = errors.New("signed URL expired")
	// ErrBadSignature is returned for tampered or foreign signed URLs
	ErrBadSignature = errors.New("invalid URL signature")
)

// Signer signs and verifies /v1/files URLs
type Signer struct {
	key []byte
	now func() time.Time
}

// NewSigner creates a Signer for key
func NewSigner(key []byte) *Signer {
	return &Signer{key: key, now: time.Now}
}

var (
	randomSignerOnce sync.Once
	randomSigner     *Signer
)

// SignerFor returns the signer for the configured key. Without a key every
// caller in the process shares one random key, so links do not survive a
// restart.
func SignerFor(cfg *config.LocalStorageConfig) *Signer {
	if cfg.SigningKey != "" {
		return NewSigner([]byte(cfg.SigningKey))
	}
	randomSignerOnce.Do(func() {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			panic(fmt.Sprintf("crypto/rand failed: %v", err))
		}
		slog.Warn("storage.local.signing_key is not set; generated a random key for this process")
		randomSigner = NewSigner(b)
	})
	return randomSigner
}

func (s *Signer) mac(method, bucket, key string, expires int64) []byte {
	m := hmac.New(sha256.New, s.key)
	fmt.Fprintf(m, "%s\n%s\n%s\n%d", method, bucket, key, expires)
	return m.Sum(nil)
}

// Sign returns the hex signature of one method on one object
func (s *Signer) Sign(method, bucket, key string, expires int64) string {
	return hex.EncodeToString(s.mac(method, bucket, key, expires))
}

// Verify checks a signature produced by Sign
func (s *Signer) Verify(method, bucket, key string, expires int64, signature string) error {
	got, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(got, s.mac(method, bucket, key, expires)) {
		return ErrBadSignature
	}
	if !s.now().Before(time.Unix(expires, 0)) {
		return ErrURLExpired
	}
	return nil
}

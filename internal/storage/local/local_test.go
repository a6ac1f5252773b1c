package local

import (
	"context"
	"errors"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/neurodeploy/platform/internal/config"
	"github.com/neurodeploy/platform/internal/storage"
)

// newTestStore creates a Store backed by a temporary directory
func newTestStore(t *testing.T, bucket string) *Store {
	t.Helper()
	s, err := New(t.TempDir(), bucket, "http://localhost:8080", NewSigner([]byte("test-key")))
	if err != nil {
		t.Fatal("New:", err)
	}
	return s
}

// ---------------------------------------------------------------------------
// New
// ---------------------------------------------------------------------------

func TestNew_CreatesBucketDirectory(t *testing.T) {
	base := t.TempDir()
	if _, err := New(base, "models", "", NewSigner(nil)); err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "models")); err != nil {
		t.Errorf("bucket directory not created: %v", err)
	}
}

func TestNew_InvalidBucket(t *testing.T) {
	for _, b := range []string{"", "..", "a/b"} {
		if _, err := New(t.TempDir(), b, "", NewSigner(nil)); err == nil {
			t.Errorf("New(%q) = nil error, want error", b)
		}
	}
}

// ---------------------------------------------------------------------------
// Put / Get / Head / Delete
// ---------------------------------------------------------------------------

func TestPutGet(t *testing.T) {
	s := newTestStore(t, "logs")
	ctx := context.Background()

	want := `{"input":[1,2]}`
	if err := s.Put(ctx, "bob/digits/x.json", strings.NewReader(want), int64(len(want)), "application/json"); err != nil {
		t.Fatalf("Put() error: %v", err)
	}

	rc, err := s.Get(ctx, "bob/digits/x.json")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	defer rc.Close()
	got, _ := io.ReadAll(rc)
	if string(got) != want {
		t.Errorf("Get() content = %q, want %q", got, want)
	}

	info, err := s.Head(ctx, "bob/digits/x.json")
	if err != nil {
		t.Fatalf("Head() error: %v", err)
	}
	if info.Size != int64(len(want)) {
		t.Errorf("Size = %d, want %d", info.Size, len(want))
	}
	if info.ContentType != "application/json" {
		t.Errorf("ContentType = %q", info.ContentType)
	}
	if info.LastModified.IsZero() {
		t.Error("LastModified should not be zero")
	}
}

func TestPut_Overwrites(t *testing.T) {
	s := newTestStore(t, "models")
	ctx := context.Background()

	_ = s.Put(ctx, "bob/m", strings.NewReader("v1"), 2, "")
	_ = s.Put(ctx, "bob/m", strings.NewReader("version2"), 8, "")

	info, err := s.Head(ctx, "bob/m")
	if err != nil {
		t.Fatalf("Head() error: %v", err)
	}
	if info.Size != 8 {
		t.Errorf("Size = %d, want 8", info.Size)
	}
}

func TestNotFound(t *testing.T) {
	s := newTestStore(t, "logs")
	ctx := context.Background()

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
	if _, err := s.Head(ctx, "missing"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Head() error = %v, want ErrNotFound", err)
	}
	ok, err := s.Exists(ctx, "missing")
	if err != nil || ok {
		t.Errorf("Exists() = %v, %v; want false, nil", ok, err)
	}
}

func TestDelete_CleansUpEmptyParentDirs(t *testing.T) {
	s := newTestStore(t, "staging")
	ctx := context.Background()

	if err := s.Put(ctx, "sub/leaf.txt", strings.NewReader("x"), 1, ""); err != nil {
		t.Fatal("Put:", err)
	}
	if err := s.Delete(ctx, "sub/leaf.txt"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.dir, "sub")); !os.IsNotExist(err) {
		t.Error("Delete() should clean up empty parent directory 'sub'")
	}
	if _, err := os.Stat(s.dir); err != nil {
		t.Error("Delete() removed the bucket directory")
	}
	if err := s.Delete(ctx, "sub/leaf.txt"); err != nil {
		t.Errorf("Delete() of a missing object error = %v, want nil", err)
	}
}

func TestKeyTraversalRejected(t *testing.T) {
	s := newTestStore(t, "models")
	ctx := context.Background()

	for _, key := range []string{"../escape", "a/../../b", "", `a\b`} {
		if err := s.Put(ctx, key, strings.NewReader("x"), 1, ""); !errors.Is(err, ErrInvalidKey) {
			t.Errorf("Put(%q) error = %v, want ErrInvalidKey", key, err)
		}
	}
}

// ---------------------------------------------------------------------------
// Signed URLs
// ---------------------------------------------------------------------------

func parseSigned(t *testing.T, raw string) (path string, expires int64, sig string) {
	t.Helper()
	u, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("url.Parse(%q): %v", raw, err)
	}
	expires, err = strconv.ParseInt(u.Query().Get("expires"), 10, 64)
	if err != nil {
		t.Fatalf("expires: %v", err)
	}
	return u.Path, expires, u.Query().Get("signature")
}

func TestPresignGet_VerifiesWithSigner(t *testing.T) {
	s := newTestStore(t, "logs")

	raw, err := s.PresignGet(context.Background(), "bob/digits/a b.json", time.Minute)
	if err != nil {
		t.Fatalf("PresignGet() error: %v", err)
	}
	if !strings.HasPrefix(raw, "http://localhost:8080/v1/files/logs/bob/digits/a%20b.json?") {
		t.Errorf("PresignGet() = %s", raw)
	}

	p, expires, sig := parseSigned(t, raw)
	if p != "/v1/files/logs/bob/digits/a b.json" {
		t.Errorf("path = %s", p)
	}
	if err := s.signer.Verify("GET", "logs", "bob/digits/a b.json", expires, sig); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
	if err := s.signer.Verify("PUT", "logs", "bob/digits/a b.json", expires, sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify() with another method error = %v, want ErrBadSignature", err)
	}
}

func TestPresignUpload_UsesPUT(t *testing.T) {
	s := newTestStore(t, "staging")

	target, err := s.PresignUpload(context.Background(), "abc/model.h5", time.Hour)
	if err != nil {
		t.Fatalf("PresignUpload() error: %v", err)
	}
	if target.Method != "PUT" {
		t.Errorf("Method = %s, want PUT", target.Method)
	}
	_, expires, sig := parseSigned(t, target.URL)
	if err := s.signer.Verify("PUT", "staging", "abc/model.h5", expires, sig); err != nil {
		t.Errorf("Verify() error = %v", err)
	}
}

func TestSigner_Expired(t *testing.T) {
	signer := NewSigner([]byte("k"))
	now := time.Unix(1_700_000_000, 0)
	signer.now = func() time.Time { return now }

	expires := now.Add(-time.Second).Unix()
	sig := signer.Sign("GET", "logs", "k", expires)
	if err := signer.Verify("GET", "logs", "k", expires, sig); !errors.Is(err, ErrURLExpired) {
		t.Errorf("Verify() error = %v, want ErrURLExpired", err)
	}
	if err := signer.Verify("GET", "logs", "k", expires, "zz"); !errors.Is(err, ErrBadSignature) {
		t.Errorf("Verify() with garbage error = %v, want ErrBadSignature", err)
	}
}

func TestSignerFor_SharesRandomKey(t *testing.T) {
	a := SignerFor(&config.LocalStorageConfig{})
	b := SignerFor(&config.LocalStorageConfig{})
	sig := a.Sign("GET", "logs", "k", 1)
	if b.Sign("GET", "logs", "k", 1) != sig {
		t.Error("signers without a configured key do not share one random key")
	}
	c := SignerFor(&config.LocalStorageConfig{SigningKey: "configured"})
	if c.Sign("GET", "logs", "k", 1) == sig {
		t.Error("configured key produced the random key's signature")
	}
}

// ---------------------------------------------------------------------------
// Move across local stores
// ---------------------------------------------------------------------------

func TestMove(t *testing.T) {
	base := t.TempDir()
	signer := NewSigner([]byte("k"))
	staging, _ := New(base, "staging", "", signer)
	models, _ := New(base, "models", "", signer)
	ctx := context.Background()

	if err := staging.Put(ctx, "abc/model.h5", strings.NewReader("weights"), 7, ""); err != nil {
		t.Fatal("Put:", err)
	}
	if err := storage.Move(ctx, staging, models, "abc/model.h5", "bob/digits"); err != nil {
		t.Fatalf("Move() error: %v", err)
	}
	if ok, _ := staging.Exists(ctx, "abc/model.h5"); ok {
		t.Error("source still exists after Move")
	}
	if ok, _ := models.Exists(ctx, "bob/digits"); !ok {
		t.Error("destination missing after Move")
	}
}

func TestVerifyURL(t *testing.T) {
	s := newTestStore(t, "staging")

	target, err := s.PresignUpload(context.Background(), "abc/model.h5", time.Hour)
	if err != nil {
		t.Fatalf("PresignUpload() error: %v", err)
	}
	_, expires, sig := parseSigned(t, target.URL)

	if err := s.VerifyURL("PUT", "abc/model.h5", expires, sig); err != nil {
		t.Errorf("VerifyURL() error = %v", err)
	}
	if err := s.VerifyURL("PUT", "abc/other.h5", expires, sig); !errors.Is(err, ErrBadSignature) {
		t.Errorf("VerifyURL() for another key error = %v, want ErrBadSignature", err)
	}
	if err := s.VerifyURL("PUT", "../escape", expires, sig); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("VerifyURL() for traversal error = %v, want ErrInvalidKey", err)
	}
}

package kms

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func tempKeystore(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "keys", "signing.json")
}

func parsePub(t *testing.T, der []byte) *ecdsa.PublicKey {
	t.Helper()
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		t.Fatalf("ParsePKIXPublicKey: %v", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		t.Fatalf("public key is %T, want *ecdsa.PublicKey", parsed)
	}
	return pub
}

func TestFileBackend_CreatesKeystore(t *testing.T) {
	path := tempKeystore(t)

	b, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if err := b.CreateKey("signing"); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if b.ActiveVersion("signing") != 1 {
		t.Errorf("expected active version 1, got %d", b.ActiveVersion("signing"))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("keystore file missing: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("keystore permissions = %o, want 0600", perm)
	}
}

func TestFileBackend_SignVerifies(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(tempKeystore(t))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if err := b.CreateKey("signing"); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	msg := []byte("header.payload")
	sig, err := b.Sign(ctx, "signing", msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	der, err := b.PublicKey(ctx, "signing")
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}

	digest := sha256.Sum256(msg)
	if !ecdsa.VerifyASN1(parsePub(t, der), digest[:], sig) {
		t.Fatal("signature does not verify under the exported public key")
	}
}

func TestFileBackend_DuplicateKey(t *testing.T) {
	b, err := NewFileBackend(tempKeystore(t))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if err := b.CreateKey("signing"); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if err := b.CreateKey("signing"); err == nil {
		t.Fatal("expected error creating duplicate key")
	}
	if err := b.CreateKey(""); !errors.Is(err, ErrEmptyKeyRef) {
		t.Fatalf("expected ErrEmptyKeyRef, got %v", err)
	}
}

func TestFileBackend_UnknownKey(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(tempKeystore(t))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}

	if _, err := b.Sign(ctx, "missing", []byte("x")); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Sign: expected ErrKeyNotFound, got %v", err)
	}
	if _, err := b.PublicKey(ctx, "missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("PublicKey: expected ErrKeyNotFound, got %v", err)
	}
	if _, err := b.Rotate("missing"); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Rotate: expected ErrKeyNotFound, got %v", err)
	}
}

func TestFileBackend_RotateChangesKey(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(tempKeystore(t))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if err := b.CreateKey("signing"); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	before, _ := b.PublicKey(ctx, "signing")

	v, err := b.Rotate("signing")
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if v != 2 {
		t.Errorf("rotated version = %d, want 2", v)
	}
	after, _ := b.PublicKey(ctx, "signing")
	if string(before) == string(after) {
		t.Error("public key unchanged after rotation")
	}
}

func TestFileBackend_DisabledKeyRefusesToSign(t *testing.T) {
	ctx := context.Background()
	b, err := NewFileBackend(tempKeystore(t))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if err := b.CreateKey("signing"); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if err := b.SetDisabled("signing", true); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}

	if _, err := b.Sign(ctx, "signing", []byte("x")); !errors.Is(err, ErrKeyDisabled) {
		t.Fatalf("expected ErrKeyDisabled, got %v", err)
	}
	// Public half stays available for verification.
	if _, err := b.PublicKey(ctx, "signing"); err != nil {
		t.Fatalf("PublicKey on disabled key: %v", err)
	}

	if err := b.SetDisabled("signing", false); err != nil {
		t.Fatalf("SetDisabled: %v", err)
	}
	if _, err := b.Sign(ctx, "signing", []byte("x")); err != nil {
		t.Fatalf("Sign after re-enable: %v", err)
	}
}

func TestFileBackend_PersistsAcrossReload(t *testing.T) {
	ctx := context.Background()
	path := tempKeystore(t)

	b1, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if err := b1.CreateKey("signing"); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if _, err := b1.Rotate("signing"); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	want, _ := b1.PublicKey(ctx, "signing")

	b2, err := NewFileBackend(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if b2.ActiveVersion("signing") != 2 {
		t.Errorf("reloaded active version = %d, want 2", b2.ActiveVersion("signing"))
	}
	got, err := b2.PublicKey(ctx, "signing")
	if err != nil {
		t.Fatalf("PublicKey: %v", err)
	}
	if string(got) != string(want) {
		t.Error("reloaded backend exposes a different public key")
	}
}

func TestFileBackend_CorruptKeystore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signing.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileBackend(path); err == nil {
		t.Fatal("expected error for corrupt keystore")
	}
}

func TestFileBackend_CanceledContext(t *testing.T) {
	b, err := NewFileBackend(tempKeystore(t))
	if err != nil {
		t.Fatalf("NewFileBackend: %v", err)
	}
	if err := b.CreateKey("signing"); err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := b.Sign(ctx, "signing", []byte("x")); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

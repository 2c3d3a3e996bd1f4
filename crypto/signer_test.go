package crypto

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestSignAndVerify(t *testing.T) {
	signer, err := GenerateSigner()
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	msg := []byte("route payload")
	signed := signer.Sign(msg)
	if len(signed) != len(msg)+64 {
		t.Fatalf("unexpected signed length %d", len(signed))
	}
	opened, ok := Verify(signed, signer.PublicKey())
	if !ok || !bytes.Equal(opened, msg) {
		t.Fatalf("signature did not verify")
	}
	signed[len(signed)-1] ^= 0xFF
	if _, ok := Verify(signed, signer.PublicKey()); ok {
		t.Fatalf("tampered message verified")
	}
	other, _ := GenerateSigner()
	if _, ok := Verify(signer.Sign(msg), other.PublicKey()); ok {
		t.Fatalf("foreign key verified")
	}
}

func TestLoadOrCreateSignerPersists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "keys")
	first, err := LoadOrCreateSigner(dir)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	info, err := os.Stat(filepath.Join(dir, SecretKeyFile))
	if err != nil {
		t.Fatalf("stat secret: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("secret key permissions %v", info.Mode().Perm())
	}
	second, err := LoadOrCreateSigner(dir)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first.PublicKeyBase64() != second.PublicKeyBase64() {
		t.Fatalf("reloaded key differs")
	}
}

func TestLoadOrCreateSignerDetectsMismatchedPublicKey(t *testing.T) {
	dir := t.TempDir()
	if _, err := LoadOrCreateSigner(dir); err != nil {
		t.Fatalf("create: %v", err)
	}
	other, _ := GenerateSigner()
	if err := os.WriteFile(filepath.Join(dir, PublicKeyFile), []byte(other.PublicKeyBase64()), 0o644); err != nil {
		t.Fatalf("overwrite public key: %v", err)
	}
	if _, err := LoadOrCreateSigner(dir); !errors.Is(err, ErrKeyMismatch) {
		t.Fatalf("expected ErrKeyMismatch, got %v", err)
	}
}

func TestParseSecretKey(t *testing.T) {
	signer, _ := GenerateSigner()
	parsed, err := ParseSecretKey(signer.SecretKeyBase64())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed.PublicKeyBase64() != signer.PublicKeyBase64() {
		t.Fatalf("parsed key differs")
	}
	if _, err := ParseSecretKey("c2hvcnQ="); !errors.Is(err, ErrInvalidSecretKey) {
		t.Fatalf("expected ErrInvalidSecretKey, got %v", err)
	}
	if _, err := ParseSecretKey("not base64!"); !errors.Is(err, ErrInvalidSecretKey) {
		t.Fatalf("expected ErrInvalidSecretKey, got %v", err)
	}
}

func TestFingerprint(t *testing.T) {
	if Fingerprint(nil) != "" {
		t.Fatalf("empty input should have empty fingerprint")
	}
	a := Fingerprint([]byte("key"))
	if len(a) != 16 || a != Fingerprint([]byte("key")) || a == Fingerprint([]byte("other")) {
		t.Fatalf("unexpected fingerprint %q", a)
	}
}

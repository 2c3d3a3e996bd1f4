package crypto

import (
	"bytes"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/nacl/sign"
	"lukechampine.com/blake3"
)

// Key file names inside the key directory.
const (
	SecretKeyFile = "id_ed25519"
	PublicKeyFile = "id_ed25519.pub"
)

const (
	secretKeySize = 64
	publicKeySize = 32
)

var (
	// ErrInvalidSecretKey is returned for key material of the wrong size or
	// encoding.
	ErrInvalidSecretKey = errors.New("crypto: invalid secret key")
	// ErrKeyMismatch is returned when the stored public key does not belong
	// to the stored secret key.
	ErrKeyMismatch = errors.New("crypto: public key does not match secret key")
)

// Signer holds the server's Ed25519 key pair. Signatures use the NaCl
// crypto_sign layout: the 64 byte signature followed by the message.
type Signer struct {
	public *[publicKeySize]byte
	secret *[secretKeySize]byte
}

// GenerateSigner creates a fresh key pair.
func GenerateSigner() (*Signer, error) {
	pub, sec, err := sign.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return &Signer{public: pub, secret: sec}, nil
}

// SignerFromSecret builds a signer from a raw 64 byte secret key, whose second
// half is the public key.
func SignerFromSecret(raw []byte) (*Signer, error) {
	if len(raw) != secretKeySize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidSecretKey, len(raw))
	}
	s := &Signer{public: new([publicKeySize]byte), secret: new([secretKeySize]byte)}
	copy(s.secret[:], raw)
	copy(s.public[:], raw[publicKeySize:])
	return s, nil
}

// ParseSecretKey decodes a base64 encoded secret key.
func ParseSecretKey(encoded string) (*Signer, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSecretKey, err)
	}
	return SignerFromSecret(raw)
}

// LoadOrCreateSigner reads the key pair from dir, generating and persisting
// one when the secret key file is absent.
func LoadOrCreateSigner(dir string) (*Signer, error) {
	if strings.TrimSpace(dir) == "" {
		dir = "."
	}
	secretPath := filepath.Join(dir, SecretKeyFile)
	if data, err := os.ReadFile(secretPath); err == nil {
		signer, err := ParseSecretKey(string(data))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", secretPath, err)
		}
		if err := signer.checkPublicFile(filepath.Join(dir, PublicKeyFile)); err != nil {
			return nil, err
		}
		return signer, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("read secret key: %w", err)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create key directory: %w", err)
	}
	signer, err := GenerateSigner()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(secretPath, []byte(signer.SecretKeyBase64()), 0o600); err != nil {
		return nil, fmt.Errorf("persist secret key: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, PublicKeyFile), []byte(signer.PublicKeyBase64()), 0o644); err != nil {
		return nil, fmt.Errorf("persist public key: %w", err)
	}
	return signer, nil
}

func (s *Signer) checkPublicFile(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read public key: %w", err)
	}
	stored, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil || !bytes.Equal(stored, s.public[:]) {
		return ErrKeyMismatch
	}
	return nil
}

// Sign returns signature || msg.
func (s *Signer) Sign(msg []byte) []byte {
	return sign.Sign(nil, msg, s.secret)
}

// PublicKey returns a copy of the 32 byte public key.
func (s *Signer) PublicKey() []byte {
	return append([]byte(nil), s.public[:]...)
}

// PublicKeyBase64 is the form peers configure as the server key.
func (s *Signer) PublicKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.public[:])
}

// SecretKeyBase64 is the form stored in the secret key file.
func (s *Signer) SecretKeyBase64() string {
	return base64.StdEncoding.EncodeToString(s.secret[:])
}

// Verify checks a signed message against pub and returns the embedded message.
func Verify(signed, pub []byte) ([]byte, bool) {
	if len(pub) != publicKeySize {
		return nil, false
	}
	var key [publicKeySize]byte
	copy(key[:], pub)
	return sign.Open(nil, signed, &key)
}

// Fingerprint is a short, log-safe identifier for key material.
func Fingerprint(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:8])
}

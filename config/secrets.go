package config

import (
	"encoding/base64"
	"errors"
	"os"
	"strings"

	"golang.org/x/crypto/nacl/secretbox"
)

const plainSecretPrefix = "plain:"

var ErrSecretUndecryptable = errors.New("secret cannot be decrypted")

// SecretBox decrypts credential blobs stored as base64(nonce[24] || secretbox(ciphertext)).
// Values prefixed with "plain:" are returned as-is (local development only).
type SecretBox struct {
	key *[32]byte
}

// NewSecretBoxFromEnv reads a base64 encoded 32-byte key from PFA_SECRET_KEY.
// A missing key still allows "plain:" secrets.
func NewSecretBoxFromEnv() (*SecretBox, error) {
	raw := strings.TrimSpace(os.Getenv("PFA_SECRET_KEY"))
	if raw == "" {
		return &SecretBox{}, nil
	}
	return NewSecretBox(raw)
}

func NewSecretBox(base64Key string) (*SecretBox, error) {
	keyBytes, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, err
	}
	if len(keyBytes) != 32 {
		return nil, errors.New("PFA_SECRET_KEY must decode to 32 bytes")
	}
	var key [32]byte
	copy(key[:], keyBytes)
	return &SecretBox{key: &key}, nil
}

func (s *SecretBox) Decrypt(secret string) (string, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return "", ErrSecretUndecryptable
	}
	if strings.HasPrefix(secret, plainSecretPrefix) {
		return strings.TrimPrefix(secret, plainSecretPrefix), nil
	}
	if s == nil || s.key == nil {
		return "", ErrSecretUndecryptable
	}
	blob, err := base64.StdEncoding.DecodeString(secret)
	if err != nil || len(blob) < 24+secretbox.Overhead {
		return "", ErrSecretUndecryptable
	}
	var nonce [24]byte
	copy(nonce[:], blob[:24])
	out, ok := secretbox.Open(nil, blob[24:], &nonce, s.key)
	if !ok {
		return "", ErrSecretUndecryptable
	}
	return string(out), nil
}

// Encrypt seals plaintext with the given nonce. Used by tooling that provisions credentials.
func (s *SecretBox) Encrypt(plaintext string, nonce [24]byte) (string, error) {
	if s == nil || s.key == nil {
		return "", errors.New("secret key not configured")
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, s.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

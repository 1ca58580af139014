package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrInvalidInput is returned when asked to encrypt an empty value. A
	// token must never be stored as an encrypted empty placeholder.
	ErrInvalidInput = errors.New("cannot encrypt empty value")

	// ErrInvalidToken is returned when non-empty ciphertext fails
	// authentication or format checks (tampered data or wrong key).
	ErrInvalidToken = errors.New("invalid ciphertext")
)

// TokenCipher encrypts OAuth tokens at rest with AES-256-GCM. One process-wide
// key is loaded at startup; key rotation is not modeled.
type TokenCipher struct {
	aead cipher.AEAD
}

// NewTokenCipher creates a cipher from a base64-encoded 32-byte key.
func NewTokenCipher(encodedKey string) (*TokenCipher, error) {
	key, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to decode encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	return &TokenCipher{aead: aead}, nil
}

// GenerateKey returns a fresh base64-encoded 32-byte key, suitable for the
// TOKEN_ENCRYPTION_KEY environment variable.
func GenerateKey() (string, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(key), nil
}

// Encrypt encrypts a plaintext token. The nonce is prepended to the sealed
// bytes and the result is base64-encoded, so ciphertexts differ across calls
// for the same input.
func (c *TokenCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", ErrInvalidInput
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Empty ciphertext decrypts to empty without error
// (absence of a stored token is not a failure); anything else that does not
// authenticate returns ErrInvalidToken.
func (c *TokenCipher) Decrypt(ciphertext string) (string, error) {
	if ciphertext == "" {
		return "", nil
	}

	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", ErrInvalidToken
	}

	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", ErrInvalidToken
	}

	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", ErrInvalidToken
	}

	return string(plaintext), nil
}

// DecryptPtr decrypts an optional stored token. A nil or empty value yields
// nil, matching the "absence is not an error" contract.
func (c *TokenCipher) DecryptPtr(ciphertext *string) (*string, error) {
	if ciphertext == nil || *ciphertext == "" {
		return nil, nil
	}
	plaintext, err := c.Decrypt(*ciphertext)
	if err != nil {
		return nil, err
	}
	return &plaintext, nil
}

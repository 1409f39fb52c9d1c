package core

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
)

const encryptedTokenPrefix = "v1:"

// TokenCipher encrypts credentials before they are written to storage
type TokenCipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(ciphertext string) (string, error)
}

// XChaChaTokenCipher implements TokenCipher with XChaCha20-Poly1305.
// Ciphertexts are encoded as "v1:" + base64(nonce || sealed).
type XChaChaTokenCipher struct {
	aead cipher.AEAD
}

func NewXChaChaTokenCipher(key []byte) (*XChaChaTokenCipher, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("token encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to initialise token cipher: %w", err)
	}

	return &XChaChaTokenCipher{aead: aead}, nil
}

// NewXChaChaTokenCipherFromBase64 decodes a standard base64 key and builds the cipher
func NewXChaChaTokenCipherFromBase64(encodedKey string) (*XChaChaTokenCipher, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encodedKey))
	if err != nil {
		return nil, fmt.Errorf("failed to decode token encryption key: %w", err)
	}
	return NewXChaChaTokenCipher(key)
}

func (c *XChaChaTokenCipher) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return encryptedTokenPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

func (c *XChaChaTokenCipher) Decrypt(ciphertext string) (string, error) {
	if !strings.HasPrefix(ciphertext, encryptedTokenPrefix) {
		return "", fmt.Errorf("unsupported token ciphertext format")
	}

	raw, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(ciphertext, encryptedTokenPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode token ciphertext: %w", err)
	}
	if len(raw) < c.aead.NonceSize()+c.aead.Overhead() {
		return "", fmt.Errorf("token ciphertext is too short")
	}

	nonce, sealed := raw[:c.aead.NonceSize()], raw[c.aead.NonceSize():]
	plaintext, err := c.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt token: %w", err)
	}

	return string(plaintext), nil
}

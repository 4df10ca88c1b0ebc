// Package secrets encrypts and decrypts wallet signing secrets at rest.
// Each bot carries its own wallet (a BotConfig can name a different signing
// key and funder address than any other bot), so the plaintext private key
// is never persisted: it is sealed with a single process-wide master key
// derived from the operator's own SPIKE_WALLET_ENC_KEY and only decrypted
// in memory, immediately before building that bot's exchange.Auth.
//
// No pack example ships wallet-secret-at-rest encryption, so this is built
// directly on crypto/aes + crypto/cipher (AES-256-GCM): a single
// authenticated-encryption primitive is exactly what the standard library
// already provides, and no example repo reaches for a third-party crypto
// library for it.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

const prefix = "enc:"

// Box seals and opens wallet secrets with a single AES-256-GCM key.
type Box struct {
	gcm cipher.AEAD
}

// NewBox builds a Box from a base64-encoded 32-byte key (SPIKE_WALLET_ENC_KEY).
func NewBox(keyB64 string) (*Box, error) {
	key, err := base64.StdEncoding.DecodeString(keyB64)
	if err != nil {
		return nil, fmt.Errorf("secrets: decode key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("secrets: key must decode to 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("secrets: new cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("secrets: new gcm: %w", err)
	}
	return &Box{gcm: gcm}, nil
}

// Seal encrypts plaintext into the opaque "enc:"-prefixed form BotConfig
// persists as WalletSecretEnc.
func (b *Box) Seal(plaintext string) (string, error) {
	nonce := make([]byte, b.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("secrets: read nonce: %w", err)
	}
	ciphertext := b.gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return prefix + base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Open decrypts a WalletSecretEnc value back into the plaintext private key.
func (b *Box) Open(sealed string) (string, error) {
	if !strings.HasPrefix(sealed, prefix) {
		return "", errors.New("secrets: missing enc: prefix")
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(sealed, prefix))
	if err != nil {
		return "", fmt.Errorf("secrets: decode ciphertext: %w", err)
	}
	nonceSize := b.gcm.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("secrets: ciphertext too short")
	}
	nonce, ciphertext := raw[:nonceSize], raw[nonceSize:]
	plaintext, err := b.gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("secrets: open: %w", err)
	}
	return string(plaintext), nil
}

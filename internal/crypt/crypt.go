// Package crypt implements provider.TokenCrypter, encrypting OAuth2 tokens
// at rest before they reach internal/db (spec §9 "Secrets: OAuth2 tokens
// encrypted at rest"). bborn/workflow has no symmetric-encryption package of
// its own, but golang.org/x/crypto already sits alongside its ssh transport
// dependency, so nacl/secretbox (authenticated, nonce-per-message, no
// cipher-mode footguns) is used here rather than hand-rolling AES-GCM
// bookkeeping.
package crypt

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32

// Box encrypts/decrypts with a single shared secret key, loaded once at
// startup from the MAILASSIST_TOKEN_KEY environment variable (spec §6).
type Box struct {
	key [keySize]byte
}

// NewBox decodes a base64-encoded 32-byte key, as produced by
// `mailassist keygen` or `head -c32 /dev/urandom | base64`.
func NewBox(base64Key string) (*Box, error) {
	raw, err := base64.StdEncoding.DecodeString(base64Key)
	if err != nil {
		return nil, fmt.Errorf("decode token key: %w", err)
	}
	if len(raw) != keySize {
		return nil, fmt.Errorf("token key must decode to %d bytes, got %d", keySize, len(raw))
	}
	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// Encrypt seals plaintext with a fresh random nonce, returning
// base64(nonce || ciphertext).
func (b *Box) Encrypt(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt.
func (b *Box) Decrypt(ciphertext string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(raw) < 24 {
		return "", fmt.Errorf("ciphertext too short")
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	opened, ok := secretbox.Open(nil, raw[24:], &nonce, &b.key)
	if !ok {
		return "", fmt.Errorf("decrypt: authentication failed")
	}
	return string(opened), nil
}

package crypt

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() string {
	return base64.StdEncoding.EncodeToString(make([]byte, keySize))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	b, err := NewBox(testKey())
	require.NoError(t, err)

	ct, err := b.Encrypt("ya29.super-secret-refresh-token")
	require.NoError(t, err)
	assert.NotEqual(t, "ya29.super-secret-refresh-token", ct)

	pt, err := b.Decrypt(ct)
	require.NoError(t, err)
	assert.Equal(t, "ya29.super-secret-refresh-token", pt)
}

func TestEncryptProducesDistinctCiphertextsForSamePlaintext(t *testing.T) {
	b, err := NewBox(testKey())
	require.NoError(t, err)

	ct1, err := b.Encrypt("same")
	require.NoError(t, err)
	ct2, err := b.Encrypt("same")
	require.NoError(t, err)
	assert.NotEqual(t, ct1, ct2) // fresh nonce per call
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	b, err := NewBox(testKey())
	require.NoError(t, err)

	ct, err := b.Encrypt("payload")
	require.NoError(t, err)

	raw, err := base64.StdEncoding.DecodeString(ct)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF
	tampered := base64.StdEncoding.EncodeToString(raw)

	_, err = b.Decrypt(tampered)
	assert.Error(t, err)
}

func TestNewBoxRejectsWrongKeyLength(t *testing.T) {
	_, err := NewBox(base64.StdEncoding.EncodeToString([]byte("too-short")))
	assert.Error(t, err)
}

// Package cryptoutils provides the shared cryptographic primitives used across
// the key hierarchy, ceremony engine and rotation coordinator: fingerprinting,
// key-check checksums, the PBKDF2 derivation wrapper, memory-hard passphrase
// hashing, symmetric wrapping for in-band delivery, and one-time tokens.
package cryptoutils

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// DefaultKDFIterations is the PBKDF2 iteration count for all key derivation.
// Process-wide constant; lowering it would silently change every derived key.
const DefaultKDFIterations = 100_000

// Fingerprint computes the full SHA-256 fingerprint of key material, hex
// encoded. It identifies a key without exposing the material.
func Fingerprint(material []byte) string {
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:])
}

// Checksum computes a short key-check value: the first three bytes of the
// SHA-256 hash, hex encoded. Used for quick comparison during rotation
// handshakes, in the manner of an HSM key check value.
func Checksum(material []byte) string {
	sum := sha256.Sum256(material)
	return hex.EncodeToString(sum[:3])
}

// DeriveKey runs PBKDF2-HMAC-SHA256 over the password and salt.
func DeriveKey(password, salt []byte, iterations, keyLen int) []byte {
	return pbkdf2.Key(password, salt, iterations, keyLen, sha256.New)
}

// RandomBytes returns size cryptographically secure random bytes.
func RandomBytes(size int) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to read random bytes: %w", err)
	}
	return buf, nil
}

// NewToken generates a single-use, unguessable contribution token.
func NewToken() (string, error) {
	raw, err := RandomBytes(32)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// WipeBytes zeroes sensitive data in place.
func WipeBytes(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

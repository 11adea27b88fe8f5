package cryptoutils

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
)

// EncryptWithKey encrypts data under a 32-byte key with AES-256-GCM. The
// output format is [12-byte nonce][ciphertext]. A fresh nonce is generated for
// every call. Used to wrap custodian shares and rotation key deliveries.
func EncryptWithKey(key, data []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, errors.New("wrap key must be 32 bytes")
	}

	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return append(nonce, aesGCM.Seal(nil, nonce, data, nil)...), nil
}

// DecryptWithKey reverses EncryptWithKey. Fails on any tampering with the
// ciphertext or a wrong key.
func DecryptWithKey(key, encrypted []byte) ([]byte, error) {
	if len(key) != 32 {
		return nil, errors.New("wrap key must be 32 bytes")
	}

	aesBlock, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	aesGCM, err := cipher.NewGCM(aesBlock)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(encrypted) < aesGCM.NonceSize() {
		return nil, errors.New("encrypted data too short")
	}

	nonce := encrypted[:aesGCM.NonceSize()]
	ciphertext := encrypted[aesGCM.NonceSize():]

	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt: %w", err)
	}

	return plaintext, nil
}

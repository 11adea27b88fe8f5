package cryptoutils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintAndChecksum(t *testing.T) {
	material := []byte("some key material")

	fp := Fingerprint(material)
	assert.Len(t, fp, 64, "fingerprint is full SHA-256 hex")
	assert.Equal(t, fp, Fingerprint(material), "fingerprint is deterministic")

	cs := Checksum(material)
	assert.Len(t, cs, 6, "checksum is a 3-byte key check value")
	assert.Equal(t, fp[:6], cs, "checksum is a prefix of the fingerprint")

	assert.NotEqual(t, fp, Fingerprint([]byte("other material")))
}

func TestDeriveKeyDeterminism(t *testing.T) {
	password := []byte("parent-material-hex")
	salt := []byte("TPK:parent:TRM-001")

	first := DeriveKey(password, salt, DefaultKDFIterations, 32)
	second := DeriveKey(password, salt, DefaultKDFIterations, 32)
	assert.Equal(t, first, second, "same inputs must derive identical keys")
	assert.Len(t, first, 32)

	other := DeriveKey(password, []byte("TPK:parent:TRM-002"), DefaultKDFIterations, 32)
	assert.NotEqual(t, first, other, "different context must derive different keys")
}

func TestWrapRoundTrip(t *testing.T) {
	key, err := RandomBytes(32)
	require.NoError(t, err)

	plaintext := []byte("share payload")
	encrypted, err := EncryptWithKey(key, plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(encrypted), string(plaintext))

	decrypted, err := DecryptWithKey(key, encrypted)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)

	// Tampered ciphertext must fail closed.
	encrypted[len(encrypted)-1] ^= 0xff
	_, err = DecryptWithKey(key, encrypted)
	assert.Error(t, err)

	// Wrong key must fail.
	wrongKey, err := RandomBytes(32)
	require.NoError(t, err)
	encrypted[len(encrypted)-1] ^= 0xff
	_, err = DecryptWithKey(wrongKey, encrypted)
	assert.Error(t, err)

	_, err = EncryptWithKey(key[:16], plaintext)
	assert.Error(t, err, "wrap key must be 32 bytes")
}

func TestHashPassphrase(t *testing.T) {
	salt := []byte("per-slot-salt-16")

	first := HashPassphrase("correct horse battery staple", salt)
	second := HashPassphrase("correct horse battery staple", salt)
	assert.Equal(t, first, second, "same passphrase and salt must hash identically")
	assert.Len(t, first, 32)

	other := HashPassphrase("correct horse battery staple", []byte("another-salt-val"))
	assert.NotEqual(t, first, other, "salt must bind the hash")
}

func TestEntropyScore(t *testing.T) {
	assert.Zero(t, EntropyScore(""))

	weak := EntropyScore("aaaa")
	strong := EntropyScore("Tr0ub4dor&3-with-extra-length!")
	assert.Less(t, weak, strong)
	assert.LessOrEqual(t, strong, 10.0)
	assert.Equal(t, "strong", StrengthLabel(strong))
	assert.Equal(t, "unacceptable", StrengthLabel(weak))
}

func TestEntropyScoreCountsRunes(t *testing.T) {
	// Same rune count and character class; the multibyte encoding must not
	// inflate the estimate.
	ascii := strings.Repeat("e", 16)
	accented := strings.Repeat("é", 16)
	assert.Equal(t, EntropyScore(ascii), EntropyScore(accented))

	// 16 lowercase runes: 16 * log2(26) bits, normalized to the 0-10 scale.
	assert.InDelta(t, 5.88, EntropyScore(accented), 0.05)
}

func TestNewToken(t *testing.T) {
	a, err := NewToken()
	require.NoError(t, err)
	b, err := NewToken()
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.GreaterOrEqual(t, len(a), 43, "token encodes 32 random bytes")
}

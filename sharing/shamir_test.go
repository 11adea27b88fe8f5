package sharing

import (
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/keymint/hsm-key-management-backend/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomSecret(t *testing.T, size int) []byte {
	t.Helper()
	secret := make([]byte, size)
	_, err := rand.Read(secret)
	require.NoError(t, err, "Failed to generate test secret")
	// Keep the value below the field prime regardless of what rand produced.
	secret[0] &= 0x7f
	return secret
}

func TestSplitValidation(t *testing.T) {
	secret := randomSecret(t, 32)

	_, err := Split(secret, 5, 1)
	assert.ErrorIs(t, err, interfaces.ErrInvalidThreshold, "k < 2 must be rejected")

	_, err = Split(secret, 3, 4)
	assert.ErrorIs(t, err, interfaces.ErrInvalidThreshold, "k > n must be rejected")

	tooLarge := make([]byte, 33)
	for i := range tooLarge {
		tooLarge[i] = 0xff
	}
	_, err = Split(tooLarge, 3, 2)
	assert.ErrorIs(t, err, interfaces.ErrSecretTooLarge)
}

func TestThresholdCorrectness(t *testing.T) {
	cases := []struct{ n, k int }{
		{3, 2}, {5, 3}, {7, 4}, {5, 5},
	}

	for _, tc := range cases {
		secret := randomSecret(t, 32)
		shares, err := Split(secret, tc.n, tc.k)
		require.NoError(t, err)
		require.Equal(t, tc.n, len(shares), "one share per participant")

		// At least three distinct k-subsets must all reconstruct the
		// identical secret.
		subsets := [][]Share{
			shares[:tc.k],
			shares[tc.n-tc.k:],
			append(append([]Share{}, shares[0]), shares[tc.n-tc.k+1:]...),
		}
		for i, subset := range subsets {
			got, err := Reconstruct(subset)
			require.NoError(t, err, "subset %d should reconstruct", i)
			assert.Equal(t, secret, got, "subset %d must yield the original secret", i)
		}
	}
}

func TestSubThresholdFails(t *testing.T) {
	secret := randomSecret(t, 32)
	shares, err := Split(secret, 5, 3)
	require.NoError(t, err)

	_, err = Reconstruct(shares[:2])
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)

	_, err = Reconstruct(nil)
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares)
}

func TestConcreteScenario(t *testing.T) {
	// n=3, k=2, 32-byte zero-padded random secret.
	secret := randomSecret(t, 32)
	secret[0] = 0 // force a leading zero byte to exercise re-padding

	shares, err := Split(secret, 3, 2)
	require.NoError(t, err)
	require.Len(t, shares, 3)

	first, err := Reconstruct([]Share{shares[0], shares[1]})
	require.NoError(t, err)
	assert.Equal(t, secret, first, "shares {1,2} must reconstruct the secret")

	second, err := Reconstruct([]Share{shares[1], shares[2]})
	require.NoError(t, err)
	assert.Equal(t, secret, second, "shares {2,3} must reconstruct the secret")

	_, err = Reconstruct([]Share{shares[0]})
	assert.ErrorIs(t, err, interfaces.ErrInsufficientShares, "a single share must not reconstruct")
}

func TestLeadingZeroPreserved(t *testing.T) {
	secret := make([]byte, 32)
	secret[31] = 0x01 // value 1, 31 leading zero bytes

	shares, err := Split(secret, 3, 2)
	require.NoError(t, err)

	got, err := Reconstruct(shares[:2])
	require.NoError(t, err)
	assert.Equal(t, secret, got, "left-zero-padding must survive the field round trip")
	assert.Len(t, got, 32)
}

func TestInconsistentThreshold(t *testing.T) {
	secret := randomSecret(t, 32)
	shares, err := Split(secret, 3, 2)
	require.NoError(t, err)

	shares[1].Threshold = 3
	_, err = Reconstruct(shares[:2])
	assert.ErrorIs(t, err, interfaces.ErrInconsistentThreshold)
}

func TestIncompatibleShares(t *testing.T) {
	secret := randomSecret(t, 32)
	shares, err := Split(secret, 3, 2)
	require.NoError(t, err)

	foreign := shares[1]
	foreign.Prime = big.NewInt(7919)
	_, err = Reconstruct([]Share{shares[0], foreign})
	assert.ErrorIs(t, err, interfaces.ErrIncompatibleShares, "mismatched prime must fail explicitly")

	dup := shares[0]
	_, err = Reconstruct([]Share{shares[0], dup})
	assert.ErrorIs(t, err, interfaces.ErrIncompatibleShares, "duplicate x-coordinates must fail explicitly")
}

func TestReconstructIgnoresShareOrder(t *testing.T) {
	secret := randomSecret(t, 32)
	shares, err := Split(secret, 4, 3)
	require.NoError(t, err)

	shuffled := []Share{shares[3], shares[0], shares[2]}
	got, err := Reconstruct(shuffled)
	require.NoError(t, err)
	assert.Equal(t, secret, got)
}

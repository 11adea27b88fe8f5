// Package sharing implements Shamir Secret Sharing over a fixed 256-bit prime
// field. Every ceremony splits over the same prime so that all shares it ever
// produced stay field-compatible; shares carrying a different prime are
// rejected rather than silently combined.
package sharing

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/keymint/hsm-key-management-backend/interfaces"
)

// fieldPrime is the shared 256-bit prime modulus (2^256 - 189). It is a
// process-wide constant; no share is ever evaluated against any other prime.
var fieldPrime, _ = new(big.Int).SetString(
	"ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff43", 16)

// FieldPrime returns a copy of the field modulus.
func FieldPrime() *big.Int {
	return new(big.Int).Set(fieldPrime)
}

// MaxSecretLen is the largest secret, in bytes, that fits the field. Callers
// sizing key material ahead of a split must stay at or below it; Split still
// checks the exact numeric bound.
const MaxSecretLen = 32

// Share is one point (x, f(x)) on a secret-encoding polynomial, together with
// the parameters needed to validate compatibility at reconstruction time.
type Share struct {
	// Index is the x-coordinate, 1..n. Never 0: f(0) is the secret itself.
	Index int `json:"index"`

	// Y is the polynomial evaluation at Index, reduced modulo Prime.
	Y *big.Int `json:"y"`

	// Prime is the field modulus the share was produced over.
	Prime *big.Int `json:"prime"`

	// Threshold is the minimum number of shares required to reconstruct.
	Threshold int `json:"threshold"`

	// SecretLen is the byte length of the original secret, needed to
	// left-zero-pad the reconstructed field element back to its exact
	// original encoding.
	SecretLen int `json:"secret_len"`
}

// Split builds a degree-(k-1) polynomial with the secret as the constant term
// and uniformly random field coefficients, and evaluates it at x = 1..n.
//
// Fails with interfaces.ErrInvalidThreshold unless 2 <= k <= n, and with
// interfaces.ErrSecretTooLarge if the secret, read as an unsigned big-endian
// integer, is not strictly below the field prime.
func Split(secret []byte, n, k int) ([]Share, error) {
	if k < 2 || k > n {
		return nil, fmt.Errorf("%w: n=%d k=%d", interfaces.ErrInvalidThreshold, n, k)
	}

	s := new(big.Int).SetBytes(secret)
	if s.Cmp(fieldPrime) >= 0 {
		return nil, interfaces.ErrSecretTooLarge
	}

	// coefficients[0] = secret, the rest drawn uniformly from the field
	coefficients := make([]*big.Int, k)
	coefficients[0] = s
	for i := 1; i < k; i++ {
		c, err := rand.Int(rand.Reader, fieldPrime)
		if err != nil {
			return nil, fmt.Errorf("failed to draw polynomial coefficient: %w", err)
		}
		coefficients[i] = c
	}

	shares := make([]Share, n)
	for x := 1; x <= n; x++ {
		shares[x-1] = Share{
			Index:     x,
			Y:         evaluate(coefficients, big.NewInt(int64(x))),
			Prime:     new(big.Int).Set(fieldPrime),
			Threshold: k,
			SecretLen: len(secret),
		}
	}
	return shares, nil
}

// evaluate computes the polynomial at x using Horner's rule, mod the prime.
func evaluate(coefficients []*big.Int, x *big.Int) *big.Int {
	result := new(big.Int)
	for i := len(coefficients) - 1; i >= 0; i-- {
		result.Mul(result, x)
		result.Add(result, coefficients[i])
		result.Mod(result, fieldPrime)
	}
	return result
}

// Reconstruct recovers the secret by Lagrange interpolation at x = 0. Any k
// distinct valid shares of the same split yield the identical secret.
//
// All shares must agree on the threshold (interfaces.ErrInconsistentThreshold)
// and on the field prime, with no duplicated x-coordinates
// (interfaces.ErrIncompatibleShares). Fewer shares than the embedded threshold
// fail with interfaces.ErrInsufficientShares; a plausible-looking wrong secret
// is never returned.
func Reconstruct(shares []Share) ([]byte, error) {
	if len(shares) == 0 {
		return nil, interfaces.ErrInsufficientShares
	}

	threshold := shares[0].Threshold
	secretLen := shares[0].SecretLen
	seen := make(map[int]bool, len(shares))
	for _, share := range shares {
		if share.Threshold != threshold {
			return nil, interfaces.ErrInconsistentThreshold
		}
		if share.Prime == nil || share.Prime.Cmp(fieldPrime) != 0 {
			return nil, fmt.Errorf("%w: share %d has mismatched prime", interfaces.ErrIncompatibleShares, share.Index)
		}
		if share.Index < 1 || seen[share.Index] {
			return nil, fmt.Errorf("%w: duplicate or invalid share index %d", interfaces.ErrIncompatibleShares, share.Index)
		}
		seen[share.Index] = true
	}

	if len(shares) < threshold {
		return nil, fmt.Errorf("%w: have %d, need %d", interfaces.ErrInsufficientShares, len(shares), threshold)
	}

	secret := interpolateAtZero(shares[:threshold])

	// Field arithmetic strips leading zero bytes; re-encode to the exact
	// original length.
	raw := secret.Bytes()
	if len(raw) > secretLen {
		return nil, fmt.Errorf("%w: reconstructed value exceeds original secret length", interfaces.ErrIncompatibleShares)
	}
	out := make([]byte, secretLen)
	copy(out[secretLen-len(raw):], raw)
	return out, nil
}

// interpolateAtZero computes sum_j y_j * prod_{m != j} x_m / (x_m - x_j) mod p.
func interpolateAtZero(shares []Share) *big.Int {
	result := new(big.Int)

	for j, sj := range shares {
		num := big.NewInt(1)
		den := big.NewInt(1)
		xj := big.NewInt(int64(sj.Index))

		for m, sm := range shares {
			if m == j {
				continue
			}
			xm := big.NewInt(int64(sm.Index))
			num.Mul(num, xm)
			num.Mod(num, fieldPrime)

			diff := new(big.Int).Sub(xm, xj)
			diff.Mod(diff, fieldPrime)
			den.Mul(den, diff)
			den.Mod(den, fieldPrime)
		}

		term := new(big.Int).ModInverse(den, fieldPrime)
		term.Mul(term, num)
		term.Mod(term, fieldPrime)
		term.Mul(term, sj.Y)
		term.Mod(term, fieldPrime)

		result.Add(result, term)
		result.Mod(result, fieldPrime)
	}

	return result
}

package cryptoutils

import (
	"math"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
)

// MinPassphraseLength is the hard gate on custodian passphrases. Strength
// scoring below is advisory only.
const MinPassphraseLength = 12

// Argon2id parameters for passphrase hashing: time=1, memory=64MiB, threads=4.
const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
)

// HashPassphrase hashes a custodian passphrase with Argon2id. The passphrase
// is never stored in clear; only this hash and its salt are retained.
func HashPassphrase(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMemory, argonThreads, argonKeyLen)
}

// EntropyScore estimates passphrase strength on a 0-10 scale from the Shannon
// entropy of the passphrase given the character classes present.
func EntropyScore(passphrase string) float64 {
	if passphrase == "" {
		return 0
	}

	var lower, upper, digit, symbol bool
	for _, r := range passphrase {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			symbol = true
		}
	}

	poolSize := 0
	if lower {
		poolSize += 26
	}
	if upper {
		poolSize += 26
	}
	if digit {
		poolSize += 10
	}
	if symbol {
		poolSize += 32
	}

	// Rune count, not byte length: multibyte characters are single choices.
	bits := float64(utf8.RuneCountInString(passphrase)) * math.Log2(float64(poolSize))

	// Normalize: 128 bits of estimated entropy maps to the top score.
	score := bits / 128 * 10
	if score > 10 {
		score = 10
	}
	return score
}

// StrengthLabel classifies an entropy score for operator display.
func StrengthLabel(score float64) string {
	switch {
	case score >= 8:
		return "strong"
	case score >= 5:
		return "acceptable"
	case score >= 3:
		return "weak"
	default:
		return "unacceptable"
	}
}

// NormalizePassphrase trims surrounding whitespace before hashing so that
// copy-paste artifacts do not change the contribution.
func NormalizePassphrase(passphrase string) string {
	return strings.TrimSpace(passphrase)
}

package interfaces

import "errors"

// Validation errors are caller-correctable and returned synchronously. They
// must never be retried automatically.
var (
	// ErrInvalidThreshold is returned when a split is requested outside 2 <= k <= n.
	ErrInvalidThreshold = errors.New("invalid threshold: need 2 <= k <= n")

	// ErrSecretTooLarge is returned when a secret does not fit the field prime.
	ErrSecretTooLarge = errors.New("secret too large for field prime")

	// ErrWrongParentType is returned when a child key is requested from a
	// parent of the wrong root type.
	ErrWrongParentType = errors.New("wrong parent key type for requested derivation")

	// ErrCustodianCountMismatch is returned when the custodian list length does
	// not match the declared participant count.
	ErrCustodianCountMismatch = errors.New("custodian count does not match participant count")

	// ErrInactiveCustodian is returned when a selected custodian is not active.
	ErrInactiveCustodian = errors.New("custodian is not active")

	// ErrInvalidToken is returned when a contribution token is unknown.
	ErrInvalidToken = errors.New("invalid contribution token")

	// ErrDuplicateContribution is returned when a slot has already contributed.
	ErrDuplicateContribution = errors.New("slot already has a contribution")

	// ErrPassphraseTooShort is returned when a passphrase fails the minimum
	// length gate.
	ErrPassphraseTooShort = errors.New("passphrase below minimum length")
)

// State errors indicate the caller holds a stale view of entity state. The
// caller should refresh and retry.
var (
	// ErrCeremonyNotAccepting is returned when a contribution arrives while the
	// ceremony is not in an accepting state.
	ErrCeremonyNotAccepting = errors.New("ceremony not accepting contributions")

	// ErrDeadlineExpired is returned when a contribution arrives after the
	// ceremony deadline.
	ErrDeadlineExpired = errors.New("contribution deadline has passed")

	// ErrInsufficientContributions is returned when key generation is requested
	// below the quorum threshold.
	ErrInsufficientContributions = errors.New("insufficient contributions for key generation")

	// ErrKeyNotActive is returned when an operation requires an Active key.
	ErrKeyNotActive = errors.New("key is not active")

	// ErrKeyStatusFinal is returned on an attempt to transition a key that has
	// already left Active.
	ErrKeyStatusFinal = errors.New("key status is final")

	// ErrRotationNotInProgress is returned when a delivery or confirmation
	// arrives for a rotation that is no longer in progress.
	ErrRotationNotInProgress = errors.New("rotation is not in progress")

	// ErrRotationCompleted is returned when rollback is requested after
	// completion.
	ErrRotationCompleted = errors.New("rotation already completed")

	// ErrUnknownCeremony is returned for an unknown ceremony identifier.
	ErrUnknownCeremony = errors.New("unknown ceremony")

	// ErrUnknownRotation is returned for an unknown rotation identifier.
	ErrUnknownRotation = errors.New("unknown rotation")

	// ErrUnknownKey is returned for an unknown key identifier.
	ErrUnknownKey = errors.New("unknown key")

	// ErrUnknownParticipant is returned for an unknown rotation participant.
	ErrUnknownParticipant = errors.New("unknown rotation participant")
)

// Cryptographic errors fail closed. Partial or ambiguous reconstruction must
// never be downgraded to best effort.
var (
	// ErrInsufficientShares is returned when reconstruction is attempted with
	// fewer shares than the threshold embedded in them.
	ErrInsufficientShares = errors.New("insufficient shares for reconstruction")

	// ErrInconsistentThreshold is returned when shares disagree on their
	// threshold.
	ErrInconsistentThreshold = errors.New("shares carry inconsistent thresholds")

	// ErrIncompatibleShares is returned when shares were produced over a
	// different field prime or duplicate an x-coordinate.
	ErrIncompatibleShares = errors.New("shares are not field-compatible")

	// ErrChecksumMismatch is returned when a participant's claimed current key
	// checksum does not match the key being rotated.
	ErrChecksumMismatch = errors.New("key checksum mismatch")

	// ErrFingerprintMismatch is returned when a reconstructed secret does not
	// match the recorded fingerprint.
	ErrFingerprintMismatch = errors.New("reconstructed key fingerprint mismatch")
)

// Storage errors.
var (
	// ErrContentNotFound is returned when requested content cannot be found in
	// the storage backend.
	ErrContentNotFound = errors.New("content not found")

	// ErrBackendUnavailable is returned when a storage backend is not
	// accessible.
	ErrBackendUnavailable = errors.New("storage backend unavailable")

	// ErrInvalidLocationURI is returned when a storage location URI is
	// malformed or unsupported.
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

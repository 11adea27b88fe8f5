// Package interfaces defines the core types and contracts shared by the key
// hierarchy, ceremony engine, rotation coordinator and storage backends. It
// provides the contract between components without implementation details.
package interfaces

import (
	"fmt"

	"github.com/google/uuid"
)

// KeyID identifies a key in the key hierarchy.
type KeyID string

// NewKeyID generates a fresh random key identifier.
func NewKeyID() KeyID {
	return KeyID(uuid.Must(uuid.NewRandom()).String())
}

// CeremonyID identifies a key ceremony.
type CeremonyID string

// NewCeremonyID generates a fresh random ceremony identifier.
func NewCeremonyID() CeremonyID {
	return CeremonyID(uuid.Must(uuid.NewRandom()).String())
}

// RotationID identifies a key rotation operation.
type RotationID string

// NewRotationID generates a fresh random rotation identifier.
func NewRotationID() RotationID {
	return RotationID(uuid.Must(uuid.NewRandom()).String())
}

// CustodianID identifies a ceremony custodian.
type CustodianID string

// ParticipantID identifies a rotation participant (a terminal or a bank).
type ParticipantID string

// KeyType is a tagged variant covering every key class the hierarchy supports.
// Derivation rules are pure functions over the tag; see ParentType.
type KeyType int

const (
	// KeyTypeLMK is the local master key, the root of the whole hierarchy.
	KeyTypeLMK KeyType = iota
	// KeyTypeTMK is a terminal master key (root for terminal-scoped children).
	KeyTypeTMK
	// KeyTypeZMK is a zone master key (root for inter-bank children).
	KeyTypeZMK
	// KeyTypeTPK is a terminal PIN key, derived under a TMK.
	KeyTypeTPK
	// KeyTypeTSK is a terminal session key, derived under a TMK.
	KeyTypeTSK
	// KeyTypeZPK is a zone PIN key, derived under a ZMK.
	KeyTypeZPK
	// KeyTypeZSK is a zone session key, derived under a ZMK.
	KeyTypeZSK
)

// String returns the conventional short name for the key type.
func (t KeyType) String() string {
	switch t {
	case KeyTypeLMK:
		return "LMK"
	case KeyTypeTMK:
		return "TMK"
	case KeyTypeZMK:
		return "ZMK"
	case KeyTypeTPK:
		return "TPK"
	case KeyTypeTSK:
		return "TSK"
	case KeyTypeZPK:
		return "ZPK"
	case KeyTypeZSK:
		return "ZSK"
	default:
		return "unknown"
	}
}

// ParseKeyType converts a short name like "TPK" back into a KeyType.
func ParseKeyType(s string) (KeyType, error) {
	for _, t := range []KeyType{KeyTypeLMK, KeyTypeTMK, KeyTypeZMK, KeyTypeTPK, KeyTypeTSK, KeyTypeZPK, KeyTypeZSK} {
		if t.String() == s {
			return t, nil
		}
	}
	return 0, fmt.Errorf("unknown key type: %q", s)
}

// IsRoot reports whether the key type is generated from pure randomness and
// has no parent.
func (t KeyType) IsRoot() bool {
	switch t {
	case KeyTypeLMK, KeyTypeTMK, KeyTypeZMK:
		return true
	default:
		return false
	}
}

// ParentType returns the root type a derived key type must be derived from.
// Root types have no parent and return false.
func (t KeyType) ParentType() (KeyType, bool) {
	switch t {
	case KeyTypeTPK, KeyTypeTSK:
		return KeyTypeTMK, true
	case KeyTypeZPK, KeyTypeZSK:
		return KeyTypeZMK, true
	default:
		return 0, false
	}
}

// KeyStatus is the lifecycle state of a key. A key transitions out of Active
// exactly once and is never reactivated, except for the recorded rollback
// override in the rotation coordinator.
type KeyStatus string

const (
	KeyStatusActive  KeyStatus = "Active"
	KeyStatusRotated KeyStatus = "Rotated"
	KeyStatusRevoked KeyStatus = "Revoked"
	KeyStatusExpired KeyStatus = "Expired"
)

// GenerationMethod records how a key's material came to be.
type GenerationMethod string

const (
	GenerationRandom        GenerationMethod = "RandomGenerated"
	GenerationPbkdfDerived  GenerationMethod = "PbkdfDerived"
	GenerationReconstructed GenerationMethod = "ThresholdReconstructed"
)

// CeremonyType distinguishes why a ceremony is being run.
type CeremonyType string

const (
	CeremonyInitialization CeremonyType = "Initialization"
	CeremonyRestoration    CeremonyType = "Restoration"
	CeremonyRotation       CeremonyType = "Rotation"
)

// CeremonyStatus is the ceremony state machine.
type CeremonyStatus string

const (
	CeremonyPending               CeremonyStatus = "Pending"
	CeremonyAwaitingContributions CeremonyStatus = "AwaitingContributions"
	CeremonyPartialContributions  CeremonyStatus = "PartialContributions"
	CeremonyGeneratingKey         CeremonyStatus = "GeneratingKey"
	CeremonyCompleted             CeremonyStatus = "Completed"
	CeremonyCancelled             CeremonyStatus = "Cancelled"
	CeremonyExpired               CeremonyStatus = "Expired"
)

// Terminal reports whether no further ceremony transitions are possible.
func (s CeremonyStatus) Terminal() bool {
	return s == CeremonyCompleted || s == CeremonyCancelled || s == CeremonyExpired
}

// SlotStatus is the contribution state of a single custodian slot.
type SlotStatus string

const (
	SlotPending     SlotStatus = "Pending"
	SlotContributed SlotStatus = "Contributed"
	SlotExpired     SlotStatus = "Expired"
)

// RotationType distinguishes why a rotation was initiated.
type RotationType string

const (
	RotationScheduled  RotationType = "Scheduled"
	RotationEmergency  RotationType = "Emergency"
	RotationCompliance RotationType = "Compliance"
	RotationCompromise RotationType = "Compromise"
	RotationExpiration RotationType = "Expiration"
)

// RotationStatus is the rotation state machine.
type RotationStatus string

const (
	RotationInProgress RotationStatus = "InProgress"
	RotationCompleted  RotationStatus = "Completed"
	RotationRolledBack RotationStatus = "RolledBack"
	RotationCancelled  RotationStatus = "Cancelled"
	RotationFailed     RotationStatus = "Failed"
)

// ParticipantStatus is the per-participant update state within a rotation.
type ParticipantStatus string

const (
	ParticipantPending   ParticipantStatus = "Pending"
	ParticipantDelivered ParticipantStatus = "Delivered"
	ParticipantConfirmed ParticipantStatus = "Confirmed"
	ParticipantFailed    ParticipantStatus = "Failed"
	ParticipantSkipped   ParticipantStatus = "Skipped"
)

// ParticipantKind is the class of downstream system adopting a replacement key.
type ParticipantKind string

const (
	ParticipantTerminal ParticipantKind = "Terminal"
	ParticipantBank     ParticipantKind = "Bank"
)

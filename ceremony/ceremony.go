// Package ceremony implements the threshold key ceremony: a multi-party
// protocol that mints a root key from independent custodian passphrase
// contributions, splits it into Shamir shares and hands one encrypted share to
// every custodian. Each ceremony is a single-writer state machine behind its
// own lock; concurrent ceremonies proceed without contention.
package ceremony

import (
	"sync"
	"time"

	"github.com/keymint/hsm-key-management-backend/interfaces"
)

// Custodian is a trusted individual assigned to a ceremony slot.
type Custodian struct {
	ID     interfaces.CustodianID `json:"id"`
	Name   string                 `json:"name"`
	Email  string                 `json:"email"`
	Active bool                   `json:"active"`
}

// Contribution is a custodian's passphrase submission. The passphrase itself
// is never stored; only the memory-hard hash, its salt and derived metadata.
// Immutable after creation.
type Contribution struct {
	PassphraseHash []byte
	EntropyScore   float64
	Strength       string

	// Fingerprint is derived from the hash, for verification without
	// exposing the hash itself.
	Fingerprint string

	CreatedAt time.Time
}

// Slot is one custodian's seat in a ceremony: an ordinal label, a single-use
// contribution token and at most one contribution.
type Slot struct {
	Ordinal   int
	Custodian Custodian
	Token     string
	Salt      []byte // per-slot salt for passphrase hashing and share wrapping
	Status    interfaces.SlotStatus

	Contribution *Contribution
}

// EncryptedShare is one Shamir share of the ceremony key, wrapped for a
// specific custodian.
type EncryptedShare struct {
	ShareIndex  int
	CustodianID interfaces.CustodianID
	Email       string

	// Payload is the serialized share encrypted under the custodian's wrap
	// key.
	Payload []byte

	// VerificationHash is the SHA-256 of the plaintext share, hex encoded,
	// for integrity checking after decryption.
	VerificationHash string
}

// Ceremony is one root-key-minting event.
type Ceremony struct {
	// mu is the per-entity exclusivity guarantee: all state transitions on
	// this ceremony go through it, so two simultaneous final contributions
	// cannot both trigger key generation.
	mu sync.Mutex

	ID      interfaces.CeremonyID
	Name    string
	Purpose string
	Type    interfaces.CeremonyType
	Status  interfaces.CeremonyStatus

	// N is the total participant count, K the reconstruction threshold.
	N int
	K int

	KeyType interfaces.KeyType
	KeySize int

	Deadline time.Time
	Slots    []*Slot

	// KeyID is set once the master key has been generated.
	KeyID interfaces.KeyID

	// Shares are the per-custodian encrypted shares, set on completion.
	Shares []EncryptedShare

	CreatedAt   time.Time
	CompletedAt time.Time

	CancelReason string
}

// contributedCount counts slots that hold a contribution. Caller holds mu.
func (c *Ceremony) contributedCount() int {
	count := 0
	for _, slot := range c.Slots {
		if slot.Status == interfaces.SlotContributed {
			count++
		}
	}
	return count
}

// slotByToken resolves a slot by its contribution token. Caller holds mu.
func (c *Ceremony) slotByToken(token string) *Slot {
	for _, slot := range c.Slots {
		if slot.Token == token {
			return slot
		}
	}
	return nil
}

// accepting reports whether the ceremony accepts contributions in its current
// state. Caller holds mu.
func (c *Ceremony) accepting() bool {
	return c.Status == interfaces.CeremonyAwaitingContributions ||
		c.Status == interfaces.CeremonyPartialContributions
}

// StatusSnapshot is a read-only view of ceremony progress.
type StatusSnapshot struct {
	ID          interfaces.CeremonyID     `json:"id"`
	Name        string                    `json:"name"`
	Type        interfaces.CeremonyType   `json:"type"`
	Status      interfaces.CeremonyStatus `json:"status"`
	N           int                       `json:"total_participants"`
	K           int                       `json:"threshold"`
	Contributed int                       `json:"contributed"`
	Deadline    time.Time                 `json:"deadline"`
	KeyID       interfaces.KeyID          `json:"key_id,omitempty"`
	Slots       []SlotSnapshot            `json:"slots"`
}

// SlotSnapshot is a read-only view of a single slot. It never carries the
// token or any contribution material.
type SlotSnapshot struct {
	Ordinal     int                    `json:"ordinal"`
	CustodianID interfaces.CustodianID `json:"custodian_id"`
	Email       string                 `json:"email"`
	Status      interfaces.SlotStatus  `json:"status"`
}

// snapshot builds a StatusSnapshot. Caller holds mu.
func (c *Ceremony) snapshot() StatusSnapshot {
	slots := make([]SlotSnapshot, len(c.Slots))
	for i, slot := range c.Slots {
		slots[i] = SlotSnapshot{
			Ordinal:     slot.Ordinal,
			CustodianID: slot.Custodian.ID,
			Email:       slot.Custodian.Email,
			Status:      slot.Status,
		}
	}
	return StatusSnapshot{
		ID:          c.ID,
		Name:        c.Name,
		Type:        c.Type,
		Status:      c.Status,
		N:           c.N,
		K:           c.K,
		Contributed: c.contributedCount(),
		Deadline:    c.Deadline,
		KeyID:       c.KeyID,
		Slots:       slots,
	}
}

// Package rotation implements the key rotation coordinator: replacing an
// active key with a successor and tracking every downstream participant
// (terminal or bank) through delivery and confirmation until the old key can
// be retired. Each rotation is a single-writer state machine behind its own
// lock, mirroring the ceremony engine.
package rotation

import (
	"sync"
	"time"

	"github.com/keymint/hsm-key-management-backend/interfaces"
)

// Participant is one downstream system that must adopt the replacement key.
type Participant struct {
	ID   interfaces.ParticipantID
	Kind interfaces.ParticipantKind

	Status interfaces.ParticipantStatus

	// DeliveryAttempts counts deliver calls for this participant, including
	// retries after a failed checksum verification.
	DeliveryAttempts int

	DeliveredAt   time.Time
	ConfirmedAt   time.Time
	GraceDeadline time.Time

	FailureReason string
}

// Rotation is one key replacement operation.
type Rotation struct {
	// mu is the per-entity exclusivity guarantee: two simultaneous last
	// confirmations cannot both trigger auto-completion.
	mu sync.Mutex

	ID     interfaces.RotationID
	Type   interfaces.RotationType
	Status interfaces.RotationStatus
	Reason string

	OldKeyID interfaces.KeyID
	NewKeyID interfaces.KeyID

	Participants []*Participant

	// ForceCompleted marks a manual completion that overrode pending
	// participants.
	ForceCompleted bool

	CreatedAt    time.Time
	CompletedAt  time.Time
	RolledBackAt time.Time

	CancelReason string
}

// participant resolves a participant by ID. Caller holds mu.
func (r *Rotation) participant(id interfaces.ParticipantID) *Participant {
	for _, p := range r.Participants {
		if p.ID == id {
			return p
		}
	}
	return nil
}

// outstanding counts participants still Pending or Delivered. Failed and
// Skipped participants do not block completion. Caller holds mu.
func (r *Rotation) outstanding() int {
	count := 0
	for _, p := range r.Participants {
		if p.Status == interfaces.ParticipantPending || p.Status == interfaces.ParticipantDelivered {
			count++
		}
	}
	return count
}

// confirmedCount counts confirmed participants. Caller holds mu.
func (r *Rotation) confirmedCount() int {
	count := 0
	for _, p := range r.Participants {
		if p.Status == interfaces.ParticipantConfirmed {
			count++
		}
	}
	return count
}

// StatusSnapshot is a read-only view of rotation progress.
type StatusSnapshot struct {
	ID             interfaces.RotationID     `json:"id"`
	Type           interfaces.RotationType   `json:"type"`
	Status         interfaces.RotationStatus `json:"status"`
	Reason         string                    `json:"reason"`
	OldKeyID       interfaces.KeyID          `json:"old_key_id"`
	NewKeyID       interfaces.KeyID          `json:"new_key_id"`
	Confirmed      int                       `json:"confirmed"`
	Total          int                       `json:"total_participants"`
	ForceCompleted bool                      `json:"force_completed,omitempty"`
	Participants   []ParticipantSnapshot     `json:"participants"`
}

// ParticipantSnapshot is a read-only view of one participant.
type ParticipantSnapshot struct {
	ID               interfaces.ParticipantID     `json:"id"`
	Kind             interfaces.ParticipantKind   `json:"kind"`
	Status           interfaces.ParticipantStatus `json:"status"`
	DeliveryAttempts int                          `json:"delivery_attempts"`
	GraceDeadline    time.Time                    `json:"grace_deadline,omitempty"`
	FailureReason    string                       `json:"failure_reason,omitempty"`
}

// snapshot builds a StatusSnapshot. Caller holds mu.
func (r *Rotation) snapshot() StatusSnapshot {
	participants := make([]ParticipantSnapshot, len(r.Participants))
	for i, p := range r.Participants {
		participants[i] = ParticipantSnapshot{
			ID:               p.ID,
			Kind:             p.Kind,
			Status:           p.Status,
			DeliveryAttempts: p.DeliveryAttempts,
			GraceDeadline:    p.GraceDeadline,
			FailureReason:    p.FailureReason,
		}
	}
	return StatusSnapshot{
		ID:             r.ID,
		Type:           r.Type,
		Status:         r.Status,
		Reason:         r.Reason,
		OldKeyID:       r.OldKeyID,
		NewKeyID:       r.NewKeyID,
		Confirmed:      r.confirmedCount(),
		Total:          len(r.Participants),
		ForceCompleted: r.ForceCompleted,
		Participants:   participants,
	}
}

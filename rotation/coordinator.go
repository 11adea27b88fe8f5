package rotation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keymint/hsm-key-management-backend/cryptoutils"
	"github.com/keymint/hsm-key-management-backend/interfaces"
	"github.com/keymint/hsm-key-management-backend/keytree"
)

// DefaultGracePeriod is how long the old key remains valid as a fallback after
// the replacement has been delivered to a participant.
const DefaultGracePeriod = 24 * time.Hour

// Dependent is a downstream system that depends on a key and must adopt its
// replacement.
type Dependent struct {
	ID   interfaces.ParticipantID
	Kind interfaces.ParticipantKind
}

// DependentsResolver computes the participant set for a root key rotation:
// every active downstream system whose operational keys hang off the rotated
// root. Derived keys never consult the resolver; their single owner is the
// participant.
type DependentsResolver interface {
	Dependents(key *keytree.Key) ([]Dependent, error)
}

// StaticResolver is an in-memory DependentsResolver backed by explicit
// registrations, keyed by root key ID.
type StaticResolver struct {
	mu         sync.RWMutex
	dependents map[interfaces.KeyID][]Dependent
}

// NewStaticResolver creates an empty resolver.
func NewStaticResolver() *StaticResolver {
	return &StaticResolver{dependents: make(map[interfaces.KeyID][]Dependent)}
}

// Register records the dependents of a root key.
func (r *StaticResolver) Register(keyID interfaces.KeyID, deps ...Dependent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dependents[keyID] = append(r.dependents[keyID], deps...)
}

// Dependents returns the registered dependents of a key.
func (r *StaticResolver) Dependents(key *keytree.Key) ([]Dependent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Dependent(nil), r.dependents[key.ID]...), nil
}

// Coordinator drives key rotations from initiation through per-participant
// delivery and confirmation to completion or rollback.
type Coordinator struct {
	mu        sync.RWMutex
	rotations map[interfaces.RotationID]*Rotation

	keys     *keytree.Hierarchy
	resolver DependentsResolver
	log      *slog.Logger
}

// NewCoordinator creates a rotation coordinator on top of the given key
// hierarchy. resolver may be nil when only derived keys will be rotated.
func NewCoordinator(keys *keytree.Hierarchy, resolver DependentsResolver, log *slog.Logger) *Coordinator {
	if log == nil {
		log = slog.Default()
	}
	return &Coordinator{
		rotations: make(map[interfaces.RotationID]*Rotation),
		keys:      keys,
		resolver:  resolver,
		log:       log,
	}
}

// Initiate starts a rotation of the given key. The old key must be Active. The
// replacement is minted by the rule matching the old key's class: root types
// get fresh random material, derived types are re-derived from the same parent
// and owner at the next generation. The participant set is every active
// dependent for a root key, or the single owner for a derived key; each
// participant starts Pending.
func (c *Coordinator) Initiate(oldKeyID interfaces.KeyID, rotationType interfaces.RotationType, reason string) (StatusSnapshot, error) {
	oldKey, err := c.keys.Get(oldKeyID)
	if err != nil {
		return StatusSnapshot{}, err
	}
	if oldKey.Status != interfaces.KeyStatusActive {
		return StatusSnapshot{}, fmt.Errorf("%w: %s is %s", interfaces.ErrKeyNotActive, oldKeyID, oldKey.Status)
	}

	var newKey *keytree.Key
	var participants []*Participant

	if oldKey.Type.IsRoot() {
		// Participants are resolved before the replacement is minted, so a
		// resolver failure cannot leave an orphaned Active key behind.
		if c.resolver == nil {
			return StatusSnapshot{}, fmt.Errorf("no dependents resolver configured for root key rotation")
		}
		deps, err := c.resolver.Dependents(oldKey)
		if err != nil {
			return StatusSnapshot{}, fmt.Errorf("failed to resolve dependents of %s: %w", oldKeyID, err)
		}
		if len(deps) == 0 {
			return StatusSnapshot{}, fmt.Errorf("no participants for rotation of %s", oldKeyID)
		}
		for _, dep := range deps {
			participants = append(participants, &Participant{
				ID:     dep.ID,
				Kind:   dep.Kind,
				Status: interfaces.ParticipantPending,
			})
		}
		newKey, err = c.keys.GenerateRoot(oldKey.Type, oldKey.Size)
		if err != nil {
			return StatusSnapshot{}, err
		}
	} else {
		generation := oldKey.Generation + 1
		newKey, err = c.keys.DeriveGeneration(oldKey.ParentID, oldKey.Type, oldKey.OwnerID, generation)
		if err != nil {
			return StatusSnapshot{}, err
		}
		participants = []*Participant{{
			ID:     interfaces.ParticipantID(oldKey.OwnerID),
			Kind:   participantKind(oldKey.Type),
			Status: interfaces.ParticipantPending,
		}}
	}

	if err := c.keys.MarkRotatedFrom(newKey.ID, oldKeyID); err != nil {
		return StatusSnapshot{}, err
	}

	r := &Rotation{
		ID:           interfaces.NewRotationID(),
		Type:         rotationType,
		Status:       interfaces.RotationInProgress,
		Reason:       reason,
		OldKeyID:     oldKeyID,
		NewKeyID:     newKey.ID,
		Participants: participants,
		CreatedAt:    time.Now().UTC(),
	}

	c.mu.Lock()
	c.rotations[r.ID] = r
	c.mu.Unlock()

	c.log.Info("Rotation initiated",
		"rotationID", string(r.ID), "type", string(rotationType),
		"oldKeyID", string(oldKeyID), "newKeyID", string(newKey.ID),
		"participants", len(participants))

	return r.snapshot(), nil
}

// DeliveryPackage carries the replacement key to one participant, encrypted
// under material the participant already possesses.
type DeliveryPackage struct {
	RotationID    interfaces.RotationID    `json:"rotation_id"`
	ParticipantID interfaces.ParticipantID `json:"participant_id"`

	// Payload is the new key material encrypted under a key derived from
	// the old key.
	Payload []byte `json:"payload"`

	// NewChecksum lets the participant verify the decrypted material.
	NewChecksum    string    `json:"new_checksum"`
	NewFingerprint string    `json:"new_fingerprint"`
	GraceDeadline  time.Time `json:"grace_deadline"`
}

// Deliver hands the encrypted replacement key to a participant. Only valid
// while the rotation is InProgress and the participant has not confirmed.
// When claimedChecksum is non-empty it is verified against the old key; a
// mismatch marks the participant Failed and aborts delivery for them.
// Re-delivery to a Delivered or Failed participant is a retry.
func (c *Coordinator) Deliver(id interfaces.RotationID, participantID interfaces.ParticipantID, claimedChecksum string) (DeliveryPackage, error) {
	r, err := c.get(id)
	if err != nil {
		return DeliveryPackage{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Status != interfaces.RotationInProgress {
		return DeliveryPackage{}, fmt.Errorf("%w: rotation is %s", interfaces.ErrRotationNotInProgress, r.Status)
	}
	p := r.participant(participantID)
	if p == nil {
		return DeliveryPackage{}, fmt.Errorf("%w: %s", interfaces.ErrUnknownParticipant, participantID)
	}
	if p.Status == interfaces.ParticipantConfirmed {
		return DeliveryPackage{}, fmt.Errorf("participant %s already confirmed", participantID)
	}

	oldKey, err := c.keys.Get(r.OldKeyID)
	if err != nil {
		return DeliveryPackage{}, err
	}
	newKey, err := c.keys.Get(r.NewKeyID)
	if err != nil {
		return DeliveryPackage{}, err
	}

	p.DeliveryAttempts++

	if claimedChecksum != "" && claimedChecksum != oldKey.Checksum {
		p.Status = interfaces.ParticipantFailed
		p.FailureReason = "current key checksum mismatch"
		c.log.Warn("Delivery aborted on checksum mismatch",
			"rotationID", string(r.ID), "participantID", string(participantID))
		return DeliveryPackage{}, fmt.Errorf("%w: participant %s", interfaces.ErrChecksumMismatch, participantID)
	}

	wrapKey := DeliveryWrapKey(r.ID, participantID, oldKey.Material)
	payload, err := cryptoutils.EncryptWithKey(wrapKey, newKey.Material)
	if err != nil {
		return DeliveryPackage{}, fmt.Errorf("failed to encrypt delivery payload: %w", err)
	}

	p.Status = interfaces.ParticipantDelivered
	p.FailureReason = ""
	p.DeliveredAt = time.Now().UTC()
	p.GraceDeadline = p.DeliveredAt.Add(DefaultGracePeriod)

	c.log.Info("Replacement key delivered",
		"rotationID", string(r.ID), "participantID", string(participantID),
		"attempt", p.DeliveryAttempts)

	return DeliveryPackage{
		RotationID:     r.ID,
		ParticipantID:  participantID,
		Payload:        payload,
		NewChecksum:    newKey.Checksum,
		NewFingerprint: newKey.Fingerprint,
		GraceDeadline:  p.GraceDeadline,
	}, nil
}

// DeliveryWrapKey derives the delivery encryption key from the old key's
// material, bound to the rotation and participant. The participant re-derives
// it from the key it already holds.
func DeliveryWrapKey(id interfaces.RotationID, participantID interfaces.ParticipantID, oldMaterial []byte) []byte {
	salt := []byte(fmt.Sprintf("rotation:%s:%s", id, participantID))
	return cryptoutils.DeriveKey(oldMaterial, salt, cryptoutils.DefaultKDFIterations, 32)
}

// Confirm records a participant's adoption of the replacement key. Idempotent:
// confirming an already-confirmed participant returns the current status
// unchanged. When no participant remains Pending or Delivered the rotation
// auto-completes and the old key becomes Rotated.
func (c *Coordinator) Confirm(id interfaces.RotationID, participantID interfaces.ParticipantID) (StatusSnapshot, error) {
	r, err := c.get(id)
	if err != nil {
		return StatusSnapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Status != interfaces.RotationInProgress {
		return StatusSnapshot{}, fmt.Errorf("%w: rotation is %s", interfaces.ErrRotationNotInProgress, r.Status)
	}
	p := r.participant(participantID)
	if p == nil {
		return StatusSnapshot{}, fmt.Errorf("%w: %s", interfaces.ErrUnknownParticipant, participantID)
	}

	if p.Status == interfaces.ParticipantConfirmed {
		return r.snapshot(), nil
	}

	p.Status = interfaces.ParticipantConfirmed
	p.ConfirmedAt = time.Now().UTC()

	c.log.Info("Update confirmed",
		"rotationID", string(r.ID), "participantID", string(participantID),
		"confirmed", r.confirmedCount(), "total", len(r.Participants))

	if r.outstanding() == 0 {
		if err := c.finish(r, false); err != nil {
			return StatusSnapshot{}, err
		}
	}
	return r.snapshot(), nil
}

// Complete finishes a rotation manually, overriding pending participants.
// Administrative override for grace-period expiry: pending participants are
// logged as a warning and marked Skipped, never an error.
func (c *Coordinator) Complete(id interfaces.RotationID) (StatusSnapshot, error) {
	r, err := c.get(id)
	if err != nil {
		return StatusSnapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Status != interfaces.RotationInProgress {
		return StatusSnapshot{}, fmt.Errorf("%w: rotation is %s", interfaces.ErrRotationNotInProgress, r.Status)
	}

	if outstanding := r.outstanding(); outstanding > 0 {
		c.log.Warn("Rotation completed with outstanding participants",
			"rotationID", string(r.ID), "outstanding", outstanding)
		for _, p := range r.Participants {
			if p.Status == interfaces.ParticipantPending || p.Status == interfaces.ParticipantDelivered {
				p.Status = interfaces.ParticipantSkipped
			}
		}
		r.ForceCompleted = true
	}

	if err := c.finish(r, true); err != nil {
		return StatusSnapshot{}, err
	}
	return r.snapshot(), nil
}

// finish retires the old key and marks the rotation Completed. Caller holds
// the rotation lock.
func (c *Coordinator) finish(r *Rotation, manual bool) error {
	if err := c.keys.Transition(r.OldKeyID, interfaces.KeyStatusRotated); err != nil {
		return err
	}
	r.Status = interfaces.RotationCompleted
	r.CompletedAt = time.Now().UTC()

	c.log.Info("Rotation completed",
		"rotationID", string(r.ID), "oldKeyID", string(r.OldKeyID),
		"newKeyID", string(r.NewKeyID), "manual", manual)
	return nil
}

// Rollback aborts a rotation: the new key is revoked and the old key restored
// to Active. Disallowed once the rotation has completed.
func (c *Coordinator) Rollback(id interfaces.RotationID, reason string) (StatusSnapshot, error) {
	r, err := c.get(id)
	if err != nil {
		return StatusSnapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Status == interfaces.RotationCompleted {
		return StatusSnapshot{}, fmt.Errorf("%w: %s", interfaces.ErrRotationCompleted, id)
	}
	if r.Status != interfaces.RotationInProgress {
		return StatusSnapshot{}, fmt.Errorf("%w: rotation is %s", interfaces.ErrRotationNotInProgress, r.Status)
	}

	if err := c.keys.Transition(r.NewKeyID, interfaces.KeyStatusRevoked); err != nil {
		return StatusSnapshot{}, fmt.Errorf("failed to revoke replacement key: %w", err)
	}
	if err := c.keys.Reactivate(r.OldKeyID); err != nil {
		return StatusSnapshot{}, fmt.Errorf("failed to restore old key: %w", err)
	}

	r.Status = interfaces.RotationRolledBack
	r.Reason = reason
	r.RolledBackAt = time.Now().UTC()

	c.log.Warn("Rotation rolled back",
		"rotationID", string(r.ID), "reason", reason,
		"oldKeyID", string(r.OldKeyID), "newKeyID", string(r.NewKeyID))
	return r.snapshot(), nil
}

// Cancel abandons a rotation that has not progressed to delivery. The new key
// is revoked; the old key never left Active.
func (c *Coordinator) Cancel(id interfaces.RotationID, reason string) (StatusSnapshot, error) {
	r, err := c.get(id)
	if err != nil {
		return StatusSnapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.Status != interfaces.RotationInProgress {
		return StatusSnapshot{}, fmt.Errorf("%w: rotation is %s", interfaces.ErrRotationNotInProgress, r.Status)
	}

	if err := c.keys.Transition(r.NewKeyID, interfaces.KeyStatusRevoked); err != nil {
		return StatusSnapshot{}, fmt.Errorf("failed to revoke replacement key: %w", err)
	}

	r.Status = interfaces.RotationCancelled
	r.CancelReason = reason
	c.log.Warn("Rotation cancelled", "rotationID", string(r.ID), "reason", reason)
	return r.snapshot(), nil
}

// Status returns a snapshot of the rotation.
func (c *Coordinator) Status(id interfaces.RotationID) (StatusSnapshot, error) {
	r, err := c.get(id)
	if err != nil {
		return StatusSnapshot{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot(), nil
}

// ActiveForParticipant finds the in-progress rotation a participant belongs
// to, so terminals can request their update by their own identifier.
func (c *Coordinator) ActiveForParticipant(participantID interfaces.ParticipantID) (StatusSnapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, r := range c.rotations {
		r.mu.Lock()
		inProgress := r.Status == interfaces.RotationInProgress && r.participant(participantID) != nil
		var snap StatusSnapshot
		if inProgress {
			snap = r.snapshot()
		}
		r.mu.Unlock()
		if inProgress {
			return snap, nil
		}
	}
	return StatusSnapshot{}, fmt.Errorf("%w: no in-progress rotation for %s", interfaces.ErrUnknownRotation, participantID)
}

func (c *Coordinator) get(id interfaces.RotationID) (*Rotation, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	r, found := c.rotations[id]
	if !found {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownRotation, id)
	}
	return r, nil
}

// participantKind maps a derived key type to the class of system that owns it.
func participantKind(t interfaces.KeyType) interfaces.ParticipantKind {
	switch t {
	case interfaces.KeyTypeZPK, interfaces.KeyTypeZSK:
		return interfaces.ParticipantBank
	default:
		return interfaces.ParticipantTerminal
	}
}

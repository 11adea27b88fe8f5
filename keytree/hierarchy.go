package keytree

import (
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/keymint/hsm-key-management-backend/cryptoutils"
	"github.com/keymint/hsm-key-management-backend/interfaces"
)

// DefaultKeySize is the material length used when none is requested.
const DefaultKeySize = 32

// Hierarchy is the in-memory arena of keys plus the operations that grow it.
// All mutation goes through the arena lock; returned keys are copies.
type Hierarchy struct {
	mu   sync.RWMutex
	keys map[interfaces.KeyID]*Key
	log  *slog.Logger
}

// NewHierarchy creates an empty key hierarchy.
func NewHierarchy(log *slog.Logger) *Hierarchy {
	if log == nil {
		log = slog.Default()
	}
	return &Hierarchy{
		keys: make(map[interfaces.KeyID]*Key),
		log:  log,
	}
}

// Len reports the number of keys in the arena.
func (h *Hierarchy) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.keys)
}

// GenerateRoot mints a root key (LMK, TMK or ZMK) from a cryptographically
// secure random source at the given size.
func (h *Hierarchy) GenerateRoot(keyType interfaces.KeyType, size int) (*Key, error) {
	if !keyType.IsRoot() {
		return nil, fmt.Errorf("%w: %s is not a root type", interfaces.ErrWrongParentType, keyType)
	}
	if size <= 0 {
		size = DefaultKeySize
	}

	material, err := cryptoutils.RandomBytes(size)
	if err != nil {
		return nil, err
	}

	key := h.newKey(keyType, material, interfaces.GenerationRandom)
	h.insert(key)

	h.log.Info("Generated root key", "key", key)
	return key.clone(), nil
}

// ImportRoot registers externally produced root key material, as minted by a
// ceremony. The material buffer is copied.
func (h *Hierarchy) ImportRoot(keyType interfaces.KeyType, material []byte, method interfaces.GenerationMethod) (*Key, error) {
	if !keyType.IsRoot() {
		return nil, fmt.Errorf("%w: %s is not a root type", interfaces.ErrWrongParentType, keyType)
	}
	if len(material) == 0 {
		return nil, fmt.Errorf("empty key material")
	}

	key := h.newKey(keyType, append([]byte(nil), material...), method)
	h.insert(key)

	h.log.Info("Imported root key", "key", key)
	return key.clone(), nil
}

// Derive produces the first-generation child key of the given type for an
// owner (terminal or zone identifier) under the parent key.
func (h *Hierarchy) Derive(parentID interfaces.KeyID, childType interfaces.KeyType, ownerID string) (*Key, error) {
	return h.DeriveGeneration(parentID, childType, ownerID, 1)
}

// DeriveGeneration derives a child key for a specific generation. Derivation
// is deterministic: the same parent material, child type, owner and generation
// always reproduce bit-identical material, which is how a participant's
// claimed current key is verified without storing it twice.
//
// The context string is namespaced with the parent key ID so that terminal and
// zone identifiers can never collide across unrelated parents.
func (h *Hierarchy) DeriveGeneration(parentID interfaces.KeyID, childType interfaces.KeyType, ownerID string, generation int) (*Key, error) {
	expectedParent, ok := childType.ParentType()
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a derived type", interfaces.ErrWrongParentType, childType)
	}
	if generation < 1 {
		generation = 1
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	parent, found := h.keys[parentID]
	if !found {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownKey, parentID)
	}
	if parent.Type != expectedParent {
		return nil, fmt.Errorf("%w: %s requires a %s parent, got %s",
			interfaces.ErrWrongParentType, childType, expectedParent, parent.Type)
	}

	context := DerivationContext(childType, parentID, ownerID, generation)

	// The "password" is the parent material hex-encoded, matching the KDF
	// contract for external verification of derived keys.
	material := cryptoutils.DeriveKey(
		[]byte(hex.EncodeToString(parent.Material)),
		[]byte(context),
		cryptoutils.DefaultKDFIterations,
		parent.Size,
	)

	key := h.newKey(childType, material, interfaces.GenerationPbkdfDerived)
	key.ParentID = parentID
	key.Iterations = cryptoutils.DefaultKDFIterations
	key.Context = context
	key.OwnerID = ownerID
	key.Generation = generation
	h.keys[key.ID] = key

	h.log.Info("Derived child key", "key", key, "parent", string(parentID), "context", context)
	return key.clone(), nil
}

// DerivationContext builds the structured KDF context binding a child key to
// its parent, logical owner and generation.
func DerivationContext(childType interfaces.KeyType, parentID interfaces.KeyID, ownerID string, generation int) string {
	context := fmt.Sprintf("%s:%s:%s", childType, parentID, ownerID)
	if generation > 1 {
		context = fmt.Sprintf("%s:g%d", context, generation)
	}
	return context
}

// Get returns a copy of a key by ID.
func (h *Hierarchy) Get(id interfaces.KeyID) (*Key, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	key, found := h.keys[id]
	if !found {
		return nil, fmt.Errorf("%w: %s", interfaces.ErrUnknownKey, id)
	}
	return key.clone(), nil
}

// Transition moves a key out of Active exactly once. Keys that have already
// left Active fail with ErrKeyStatusFinal; they are never reactivated through
// this path.
func (h *Hierarchy) Transition(id interfaces.KeyID, to interfaces.KeyStatus) error {
	if to == interfaces.KeyStatusActive {
		return fmt.Errorf("%w: cannot transition into Active", interfaces.ErrKeyStatusFinal)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	key, found := h.keys[id]
	if !found {
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownKey, id)
	}
	if key.Status != interfaces.KeyStatusActive {
		return fmt.Errorf("%w: %s is %s", interfaces.ErrKeyStatusFinal, id, key.Status)
	}

	key.Status = to
	key.UpdatedAt = time.Now().UTC()
	h.log.Info("Key status transition", "key", key, "to", string(to))
	return nil
}

// MarkRotatedFrom records the replacement link on a new key.
func (h *Hierarchy) MarkRotatedFrom(newID, oldID interfaces.KeyID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key, found := h.keys[newID]
	if !found {
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownKey, newID)
	}
	key.RotatedFrom = oldID
	key.UpdatedAt = time.Now().UTC()
	return nil
}

// Reactivate restores a Rotated key to Active. This is the single recorded
// exception to the one-way lifecycle, reserved for rotation rollback.
func (h *Hierarchy) Reactivate(id interfaces.KeyID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	key, found := h.keys[id]
	if !found {
		return fmt.Errorf("%w: %s", interfaces.ErrUnknownKey, id)
	}
	if key.Status == interfaces.KeyStatusActive {
		return nil
	}
	if key.Status != interfaces.KeyStatusRotated {
		return fmt.Errorf("%w: cannot reactivate a %s key", interfaces.ErrKeyStatusFinal, key.Status)
	}

	key.Status = interfaces.KeyStatusActive
	key.UpdatedAt = time.Now().UTC()
	h.log.Warn("Key reactivated by rotation rollback", "key", key)
	return nil
}

func (h *Hierarchy) newKey(keyType interfaces.KeyType, material []byte, method interfaces.GenerationMethod) *Key {
	now := time.Now().UTC()
	return &Key{
		ID:        interfaces.NewKeyID(),
		Type:      keyType,
		Algorithm: "AES",
		Size:      len(material),
		Material:  material,
		// Fingerprint and checksum are always recomputed from the fresh
		// material, never copied from the parent.
		Fingerprint: cryptoutils.Fingerprint(material),
		Checksum:    cryptoutils.Checksum(material),
		Status:      interfaces.KeyStatusActive,
		Method:      method,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (h *Hierarchy) insert(key *Key) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.keys[key.ID] = key
}

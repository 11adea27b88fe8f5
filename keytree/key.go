// Package keytree maintains the key family tree: root keys minted from pure
// randomness and operational child keys derived deterministically from their
// parents. Keys live in an arena keyed by identifier; parent and rotated-from
// references are opaque IDs, never pointers, so the graph is acyclic by
// construction (a parent must exist before any child is derived from it).
package keytree

import (
	"log/slog"
	"time"

	"github.com/keymint/hsm-key-management-backend/interfaces"
)

// Key is the central entity of the simulator.
type Key struct {
	ID        interfaces.KeyID
	Type      interfaces.KeyType
	Algorithm string
	Size      int // material length in bytes

	// Material is the raw key bytes. It is never serialized into logs;
	// Key implements slog.LogValuer to guarantee that.
	Material []byte

	Fingerprint string
	Checksum    string
	Status      interfaces.KeyStatus
	Method      interfaces.GenerationMethod

	// ParentID is set for derived keys only.
	ParentID interfaces.KeyID

	// RotatedFrom references the key this one replaced, if any.
	RotatedFrom interfaces.KeyID

	// Derivation parameters, set for derived keys only. Re-deriving with the
	// same parent material and Context must be bit-identical.
	Iterations int
	Context    string

	// OwnerID is the logical owner of a derived key, a terminal or zone
	// identifier.
	OwnerID string

	// Generation counts rotations of a derived key under the same owner.
	// It participates in the derivation context from generation 2 onward.
	Generation int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// LogValue redacts key material from structured logs.
func (k *Key) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", string(k.ID)),
		slog.String("type", k.Type.String()),
		slog.String("status", string(k.Status)),
		slog.String("fingerprint", k.Fingerprint),
	)
}

// clone returns a copy with its own material buffer, so callers cannot mutate
// arena state through returned keys.
func (k *Key) clone() *Key {
	dup := *k
	dup.Material = append([]byte(nil), k.Material...)
	return &dup
}

// Package keyhandler exposes the key hierarchy over HTTP: root key
// generation, deterministic child derivation and metadata lookup. Key
// material never appears in any response; callers get fingerprints and
// checksums only.
package keyhandler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keymint/hsm-key-management-backend/api"
	"github.com/keymint/hsm-key-management-backend/interfaces"
	"github.com/keymint/hsm-key-management-backend/keytree"
	"github.com/keymint/hsm-key-management-backend/metrics"
)

// Handler processes key hierarchy HTTP requests.
type Handler struct {
	keys *keytree.Hierarchy
	log  *slog.Logger
}

// NewHandler creates a key handler.
func NewHandler(keys *keytree.Hierarchy, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{keys: keys, log: log}
}

// RegisterRoutes configures the HTTP router.
//
// Endpoints:
//   - POST /api/admin/keys/roots: generate a root key
//   - POST /api/admin/keys/{parent_id}/derive: derive a child key
//   - GET  /api/admin/keys/{key_id}: key metadata
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/admin/keys/roots", h.handleGenerateRoot)
	r.Post("/api/admin/keys/{parent_id}/derive", h.handleDerive)
	r.Get("/api/admin/keys/{key_id}", h.handleGet)
}

// KeyInfo is the external view of a key, without material.
type KeyInfo struct {
	ID          interfaces.KeyID            `json:"id"`
	Type        string                      `json:"type"`
	Algorithm   string                      `json:"algorithm"`
	Size        int                         `json:"size"`
	Fingerprint string                      `json:"fingerprint"`
	Checksum    string                      `json:"checksum"`
	Status      interfaces.KeyStatus        `json:"status"`
	Method      interfaces.GenerationMethod `json:"method"`
	ParentID    interfaces.KeyID            `json:"parent_id,omitempty"`
	RotatedFrom interfaces.KeyID            `json:"rotated_from,omitempty"`
	OwnerID     string                      `json:"owner_id,omitempty"`
	Generation  int                         `json:"generation,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
}

func keyInfo(key *keytree.Key) KeyInfo {
	return KeyInfo{
		ID:          key.ID,
		Type:        key.Type.String(),
		Algorithm:   key.Algorithm,
		Size:        key.Size,
		Fingerprint: key.Fingerprint,
		Checksum:    key.Checksum,
		Status:      key.Status,
		Method:      key.Method,
		ParentID:    key.ParentID,
		RotatedFrom: key.RotatedFrom,
		OwnerID:     key.OwnerID,
		Generation:  key.Generation,
		CreatedAt:   key.CreatedAt,
	}
}

// GenerateRootRequest asks for a fresh random root key.
type GenerateRootRequest struct {
	KeyType string `json:"key_type"`
	KeySize int    `json:"key_size"`
}

func (h *Handler) handleGenerateRoot(w http.ResponseWriter, r *http.Request) {
	var req GenerateRootRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	keyType, err := interfaces.ParseKeyType(req.KeyType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key, err := h.keys.GenerateRoot(keyType, req.KeySize)
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}

	metrics.RecordKeyCreated(key.Type.String())
	api.WriteJSON(w, http.StatusCreated, keyInfo(key))
}

// DeriveRequest asks for a deterministic child key under a parent.
type DeriveRequest struct {
	KeyType string `json:"key_type"`
	OwnerID string `json:"owner_id"`
}

func (h *Handler) handleDerive(w http.ResponseWriter, r *http.Request) {
	parentID := interfaces.KeyID(chi.URLParam(r, "parent_id"))

	var req DeriveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	keyType, err := interfaces.ParseKeyType(req.KeyType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	key, err := h.keys.Derive(parentID, keyType, req.OwnerID)
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}

	metrics.RecordKeyCreated(key.Type.String())
	api.WriteJSON(w, http.StatusCreated, keyInfo(key))
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := interfaces.KeyID(chi.URLParam(r, "key_id"))

	key, err := h.keys.Get(id)
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, keyInfo(key))
}

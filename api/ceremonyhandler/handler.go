// Package ceremonyhandler exposes the key ceremony engine over HTTP: an admin
// surface for creating, generating and cancelling ceremonies, and a custodian
// surface for token verification and passphrase contribution.
package ceremonyhandler

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keymint/hsm-key-management-backend/api"
	"github.com/keymint/hsm-key-management-backend/ceremony"
	"github.com/keymint/hsm-key-management-backend/interfaces"
	"github.com/keymint/hsm-key-management-backend/metrics"
)

// Handler processes ceremony HTTP requests.
type Handler struct {
	engine *ceremony.Engine
	log    *slog.Logger
}

// NewHandler creates a ceremony handler.
func NewHandler(engine *ceremony.Engine, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{engine: engine, log: log}
}

// RegisterRoutes configures the HTTP router.
//
// Admin endpoints:
//   - POST /api/admin/ceremonies: create a ceremony
//   - GET  /api/admin/ceremonies/{ceremony_id}: ceremony status
//   - POST /api/admin/ceremonies/{ceremony_id}/generate: generate the master key
//   - POST /api/admin/ceremonies/{ceremony_id}/restore: restore from shares
//   - POST /api/admin/ceremonies/{ceremony_id}/cancel: cancel the ceremony
//
// Custodian endpoints:
//   - GET  /api/custodian/tokens/{token}: verify a contribution token
//   - POST /api/custodian/contributions: submit a passphrase
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/admin/ceremonies", h.handleCreate)
	r.Get("/api/admin/ceremonies/{ceremony_id}", h.handleStatus)
	r.Post("/api/admin/ceremonies/{ceremony_id}/generate", h.handleGenerate)
	r.Post("/api/admin/ceremonies/{ceremony_id}/restore", h.handleRestore)
	r.Post("/api/admin/ceremonies/{ceremony_id}/cancel", h.handleCancel)
	r.Get("/api/custodian/tokens/{token}", h.handleVerifyToken)
	r.Post("/api/custodian/contributions", h.handleContribute)
}

// CreateCeremonyRequest is the admin request to start a ceremony.
type CreateCeremonyRequest struct {
	Name       string               `json:"name"`
	Purpose    string               `json:"purpose"`
	Type       string               `json:"type"`
	KeyType    string               `json:"key_type"`
	KeySize    int                  `json:"key_size"`
	N          int                  `json:"total_participants"`
	K          int                  `json:"threshold"`
	Deadline   time.Time            `json:"deadline"`
	Custodians []ceremony.Custodian `json:"custodians"`
}

// CreateCeremonyResponse carries the new ceremony and the per-custodian
// contribution tokens. Tokens appear here once and are never retrievable
// again.
type CreateCeremonyResponse struct {
	Ceremony ceremony.StatusSnapshot `json:"ceremony"`
	Tokens   []string                `json:"tokens"`
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateCeremonyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	keyType, err := interfaces.ParseKeyType(req.KeyType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ceremonyType := interfaces.CeremonyType(req.Type)
	if ceremonyType == "" {
		ceremonyType = interfaces.CeremonyInitialization
	}

	snapshot, tokens, err := h.engine.Create(ceremony.CreateRequest{
		Name:       req.Name,
		Purpose:    req.Purpose,
		Type:       ceremonyType,
		KeyType:    keyType,
		KeySize:    req.KeySize,
		N:          req.N,
		K:          req.K,
		Deadline:   req.Deadline,
		Custodians: req.Custodians,
	})
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}

	api.WriteJSON(w, http.StatusCreated, CreateCeremonyResponse{
		Ceremony: snapshot,
		Tokens:   tokens,
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := interfaces.CeremonyID(chi.URLParam(r, "ceremony_id"))

	snapshot, err := h.engine.Status(id)
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, snapshot)
}

// GenerateResponse reports a completed key generation. Share payloads are
// returned for distribution; the key material itself never leaves the core.
type GenerateResponse struct {
	CeremonyID  interfaces.CeremonyID     `json:"ceremony_id"`
	KeyID       interfaces.KeyID          `json:"key_id"`
	KeyType     string                    `json:"key_type"`
	Fingerprint string                    `json:"fingerprint"`
	Checksum    string                    `json:"checksum"`
	Shares      []ceremony.EncryptedShare `json:"shares"`
}

func (h *Handler) handleGenerate(w http.ResponseWriter, r *http.Request) {
	id := interfaces.CeremonyID(chi.URLParam(r, "ceremony_id"))

	result, err := h.engine.GenerateMasterKey(id)
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}

	metrics.RecordCeremony(string(interfaces.CeremonyCompleted))
	metrics.RecordKeyCreated(result.KeyType.String())

	api.WriteJSON(w, http.StatusOK, GenerateResponse{
		CeremonyID:  result.CeremonyID,
		KeyID:       result.KeyID,
		KeyType:     result.KeyType.String(),
		Fingerprint: result.Fingerprint,
		Checksum:    result.Checksum,
		Shares:      result.Shares,
	})
}

// RestoreRequest carries custodian share inputs for master key restoration.
type RestoreRequest struct {
	Inputs []ceremony.RecoveredShareInput `json:"inputs"`
}

// RestoreResponse reports the reconstruction outcome without the material.
type RestoreResponse struct {
	Fingerprint string `json:"fingerprint"`
	Checksum    string `json:"checksum"`
	Verified    bool   `json:"verified"`
}

func (h *Handler) handleRestore(w http.ResponseWriter, r *http.Request) {
	id := interfaces.CeremonyID(chi.URLParam(r, "ceremony_id"))

	var req RestoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	result, err := h.engine.RestoreMasterKey(id, req.Inputs)
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}

	// The reconstructed material stays server-side; only verification
	// metadata is returned.
	api.WriteJSON(w, http.StatusOK, RestoreResponse{
		Fingerprint: result.Fingerprint,
		Checksum:    result.Checksum,
		Verified:    result.Verified,
	})
}

// CancelRequest carries the cancellation reason.
type CancelRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := interfaces.CeremonyID(chi.URLParam(r, "ceremony_id"))

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.engine.Cancel(id, req.Reason); err != nil {
		api.WriteError(h.log, w, err)
		return
	}

	metrics.RecordCeremony(string(interfaces.CeremonyCancelled))
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (h *Handler) handleVerifyToken(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")

	info, err := h.engine.VerifyToken(token)
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, info)
}

// ContributionRequest is a custodian's passphrase submission.
type ContributionRequest struct {
	Token      string `json:"token"`
	Passphrase string `json:"passphrase"`
}

func (h *Handler) handleContribute(w http.ResponseWriter, r *http.Request) {
	var req ContributionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	receipt, err := h.engine.SubmitContribution(req.Token, req.Passphrase)
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, receipt)
}

// Package rotationhandler exposes the rotation coordinator over HTTP: an
// admin surface for initiating, completing and rolling back rotations, and a
// participant surface for requesting and confirming key updates.
package rotationhandler

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keymint/hsm-key-management-backend/api"
	"github.com/keymint/hsm-key-management-backend/interfaces"
	"github.com/keymint/hsm-key-management-backend/metrics"
	"github.com/keymint/hsm-key-management-backend/rotation"
)

// Handler processes rotation HTTP requests.
type Handler struct {
	coordinator *rotation.Coordinator
	log         *slog.Logger
}

// NewHandler creates a rotation handler.
func NewHandler(coordinator *rotation.Coordinator, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{coordinator: coordinator, log: log}
}

// RegisterRoutes configures the HTTP router.
//
// Admin endpoints:
//   - POST /api/admin/rotations: initiate a rotation
//   - GET  /api/admin/rotations/{rotation_id}: rotation status
//   - POST /api/admin/rotations/{rotation_id}/complete: manual completion
//   - POST /api/admin/rotations/{rotation_id}/rollback: rollback
//   - POST /api/admin/rotations/{rotation_id}/cancel: cancel
//
// Participant endpoints:
//   - GET  /api/participants/{participant_id}/rotation: find the in-progress rotation
//   - POST /api/rotations/{rotation_id}/participants/{participant_id}/update: request key update
//   - POST /api/rotations/{rotation_id}/participants/{participant_id}/confirm: confirm adoption
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Post("/api/admin/rotations", h.handleInitiate)
	r.Get("/api/admin/rotations/{rotation_id}", h.handleStatus)
	r.Post("/api/admin/rotations/{rotation_id}/complete", h.handleComplete)
	r.Post("/api/admin/rotations/{rotation_id}/rollback", h.handleRollback)
	r.Post("/api/admin/rotations/{rotation_id}/cancel", h.handleCancel)
	r.Get("/api/participants/{participant_id}/rotation", h.handleFindRotation)
	r.Post("/api/rotations/{rotation_id}/participants/{participant_id}/update", h.handleRequestUpdate)
	r.Post("/api/rotations/{rotation_id}/participants/{participant_id}/confirm", h.handleConfirm)
}

// InitiateRequest is the admin request to start a rotation.
type InitiateRequest struct {
	KeyID  interfaces.KeyID `json:"key_id"`
	Type   string           `json:"type"`
	Reason string           `json:"reason"`
}

func (h *Handler) handleInitiate(w http.ResponseWriter, r *http.Request) {
	var req InitiateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rotationType := interfaces.RotationType(req.Type)
	if rotationType == "" {
		rotationType = interfaces.RotationScheduled
	}

	snapshot, err := h.coordinator.Initiate(req.KeyID, rotationType, req.Reason)
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}
	api.WriteJSON(w, http.StatusCreated, snapshot)
}

func (h *Handler) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := interfaces.RotationID(chi.URLParam(r, "rotation_id"))

	snapshot, err := h.coordinator.Status(id)
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleComplete(w http.ResponseWriter, r *http.Request) {
	id := interfaces.RotationID(chi.URLParam(r, "rotation_id"))

	snapshot, err := h.coordinator.Complete(id)
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}

	metrics.RecordRotation(string(interfaces.RotationCompleted))
	api.WriteJSON(w, http.StatusOK, snapshot)
}

// RollbackRequest carries the rollback reason.
type RollbackRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	id := interfaces.RotationID(chi.URLParam(r, "rotation_id"))

	var req RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	snapshot, err := h.coordinator.Rollback(id, req.Reason)
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}

	metrics.RecordRotation(string(interfaces.RotationRolledBack))
	api.WriteJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := interfaces.RotationID(chi.URLParam(r, "rotation_id"))

	var req RollbackRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	snapshot, err := h.coordinator.Cancel(id, req.Reason)
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}

	metrics.RecordRotation(string(interfaces.RotationCancelled))
	api.WriteJSON(w, http.StatusOK, snapshot)
}

func (h *Handler) handleFindRotation(w http.ResponseWriter, r *http.Request) {
	participantID := interfaces.ParticipantID(chi.URLParam(r, "participant_id"))

	snapshot, err := h.coordinator.ActiveForParticipant(participantID)
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, snapshot)
}

// UpdateRequest is a participant's request for its replacement key. The
// claimed checksum of the current key is optional; when present it is verified
// before delivery.
type UpdateRequest struct {
	CurrentChecksum string `json:"current_checksum,omitempty"`
}

func (h *Handler) handleRequestUpdate(w http.ResponseWriter, r *http.Request) {
	id := interfaces.RotationID(chi.URLParam(r, "rotation_id"))
	participantID := interfaces.ParticipantID(chi.URLParam(r, "participant_id"))

	var req UpdateRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	pkg, err := h.coordinator.Deliver(id, participantID, req.CurrentChecksum)
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}
	api.WriteJSON(w, http.StatusOK, pkg)
}

func (h *Handler) handleConfirm(w http.ResponseWriter, r *http.Request) {
	id := interfaces.RotationID(chi.URLParam(r, "rotation_id"))
	participantID := interfaces.ParticipantID(chi.URLParam(r, "participant_id"))

	snapshot, err := h.coordinator.Confirm(id, participantID)
	if err != nil {
		api.WriteError(h.log, w, err)
		return
	}

	if snapshot.Status == interfaces.RotationCompleted {
		metrics.RecordRotation(string(interfaces.RotationCompleted))
	}
	api.WriteJSON(w, http.StatusOK, snapshot)
}

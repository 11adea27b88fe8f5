// Package api maps core errors onto HTTP semantics shared by all handler
// packages: validation errors are 400s, unknown entities 404s, state conflicts
// 409s and backend unavailability 503s.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/keymint/hsm-key-management-backend/interfaces"
)

// StatusFromError resolves the HTTP status code for a core error.
func StatusFromError(err error) int {
	switch {
	case errors.Is(err, interfaces.ErrInvalidThreshold),
		errors.Is(err, interfaces.ErrSecretTooLarge),
		errors.Is(err, interfaces.ErrWrongParentType),
		errors.Is(err, interfaces.ErrCustodianCountMismatch),
		errors.Is(err, interfaces.ErrInactiveCustodian),
		errors.Is(err, interfaces.ErrPassphraseTooShort),
		errors.Is(err, interfaces.ErrInvalidLocationURI):
		return http.StatusBadRequest

	case errors.Is(err, interfaces.ErrInvalidToken),
		errors.Is(err, interfaces.ErrUnknownCeremony),
		errors.Is(err, interfaces.ErrUnknownRotation),
		errors.Is(err, interfaces.ErrUnknownKey),
		errors.Is(err, interfaces.ErrUnknownParticipant),
		errors.Is(err, interfaces.ErrContentNotFound):
		return http.StatusNotFound

	case errors.Is(err, interfaces.ErrDuplicateContribution),
		errors.Is(err, interfaces.ErrCeremonyNotAccepting),
		errors.Is(err, interfaces.ErrDeadlineExpired),
		errors.Is(err, interfaces.ErrInsufficientContributions),
		errors.Is(err, interfaces.ErrKeyNotActive),
		errors.Is(err, interfaces.ErrKeyStatusFinal),
		errors.Is(err, interfaces.ErrRotationNotInProgress),
		errors.Is(err, interfaces.ErrRotationCompleted):
		return http.StatusConflict

	case errors.Is(err, interfaces.ErrInsufficientShares),
		errors.Is(err, interfaces.ErrInconsistentThreshold),
		errors.Is(err, interfaces.ErrIncompatibleShares),
		errors.Is(err, interfaces.ErrChecksumMismatch),
		errors.Is(err, interfaces.ErrFingerprintMismatch):
		return http.StatusUnprocessableEntity

	case errors.Is(err, interfaces.ErrBackendUnavailable):
		return http.StatusServiceUnavailable

	default:
		return http.StatusInternalServerError
	}
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes an error response, logging server-side failures.
func WriteError(log *slog.Logger, w http.ResponseWriter, err error) {
	status := StatusFromError(err)
	if status >= http.StatusInternalServerError {
		log.Error("Request failed", "err", err)
	}
	WriteJSON(w, status, map[string]string{"error": err.Error()})
}

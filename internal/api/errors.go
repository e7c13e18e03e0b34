// SPDX-License-Identifier: MIT

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/shiftcam/shiftcam/internal/auth"
	"github.com/shiftcam/shiftcam/internal/command"
	"github.com/shiftcam/shiftcam/internal/directory"
	"github.com/shiftcam/shiftcam/internal/session"
)

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a validation error response
func writeError(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

// writeUnauthorized writes a 401 Unauthorized response
func writeUnauthorized(w http.ResponseWriter) {
	writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
}

// writeForbidden writes a 403 Forbidden response
func writeForbidden(w http.ResponseWriter) {
	writeJSON(w, http.StatusForbidden, map[string]string{"error": "forbidden"})
}

// writeDomainError maps domain error kinds onto the HTTP surface.
// Authorization failures never leak whether the target exists.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrUnauthenticated):
		writeUnauthorized(w)
	case errors.Is(err, auth.ErrForbidden):
		writeForbidden(w)
	case errors.Is(err, command.ErrInvalidCommand):
		writeError(w, "invalid command")
	case errors.Is(err, command.ErrTargetNotEligible):
		writeError(w, "target not eligible")
	case errors.Is(err, session.ErrAlreadyActive):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "session already active"})
	case errors.Is(err, session.ErrReassignMismatch):
		writeJSON(w, http.StatusConflict, map[string]string{"error": "reassignment mismatch"})
	case errors.Is(err, session.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.Is(err, directory.ErrUpstream), errors.Is(err, command.ErrDispatchFailed):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "upstream failure"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

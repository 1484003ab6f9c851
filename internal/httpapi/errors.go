package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"gatewayd/internal/engine"
	"gatewayd/internal/selector"
	"gatewayd/internal/supervisor"
	"gatewayd/pkg/types"
)

// writeJSON writes a JSON payload with the given status.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError writes an OpenAI-shaped error payload.
func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, types.ErrorResponse{Error: types.ErrorDetail{
		Message: msg,
		Type:    errType,
	}})
}

// writeErrorf is writeError with formatting, always 400 invalid_request.
func writeErrorf(w http.ResponseWriter, format string, a ...any) {
	writeError(w, http.StatusBadRequest, types.ErrTypeInvalidRequest, fmt.Sprintf(format, a...))
}

// writeMappedError translates core errors into HTTP responses.
func (g *Gateway) writeMappedError(w http.ResponseWriter, err error) {
	switch {
	case selector.IsModelNotFound(err):
		writeError(w, http.StatusBadRequest, types.ErrTypeInvalidRequest, err.Error())
	case selector.IsContextTooLarge(err):
		writeError(w, http.StatusBadRequest, types.ErrTypeInvalidRequest, err.Error())
	case engine.IsEstimationError(err):
		// Surfaces only when the heuristic fallback is disabled.
		writeError(w, http.StatusInternalServerError, types.ErrTypeInternal, err.Error())
	case supervisor.IsStartupFailure(err), supervisor.IsShuttingDown(err):
		writeError(w, http.StatusServiceUnavailable, types.ErrTypeInternal, err.Error())
	default:
		g.log.Error().Err(err).Msg("unexpected error")
		writeError(w, http.StatusInternalServerError, types.ErrTypeInternal, err.Error())
	}
}

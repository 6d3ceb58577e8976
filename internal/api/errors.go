package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/kalambet/tutor/internal/handoff"
	"github.com/kalambet/tutor/internal/progress"
	"github.com/kalambet/tutor/internal/session"
)

const maxRequestBodySize = 1 << 20 // 1MB

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}

// domainError writes err with the status its kind maps to.
func domainError(w http.ResponseWriter, err error) {
	code, errType := classify(err)
	httpError(w, code, errType, "%v", err)
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, handoff.ErrInvalidTransition),
		errors.Is(err, handoff.ErrNotActive),
		errors.Is(err, handoff.ErrNoActiveTopic):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, progress.ErrStore):
		return http.StatusServiceUnavailable, "store_error"
	default:
		return http.StatusBadRequest, "invalid_request_error"
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

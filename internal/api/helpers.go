package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/ignite/subscriber-import/internal/importer"
)

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeServiceError maps domain errors onto HTTP status codes.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, importer.ErrJobNotFound), errors.Is(err, importer.ErrFieldNotFound):
		writeJSONError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, importer.ErrJobTerminal):
		writeJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, importer.ErrMappingInvalid):
		writeJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, importer.ErrFileQuarantined):
		writeJSONError(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		writeJSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

func isConflictError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "duplicate") ||
		strings.Contains(msg, "unique constraint")
}

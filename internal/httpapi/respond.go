package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/fathomlabs/fathom/internal/orchestrator"
	"github.com/fathomlabs/fathom/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// statusForError maps controller and store failures onto HTTP codes.
// Unknown errors stay 500 with a generic message so internals do not
// leak to clients.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, store.ErrMissionNotFound):
		return http.StatusNotFound, "mission not found"
	case errors.Is(err, orchestrator.ErrReportNotReady):
		return http.StatusConflict, "report not ready"
	case errors.Is(err, orchestrator.ErrNotResumable),
		errors.Is(err, orchestrator.ErrAlreadyRunning),
		errors.Is(err, store.ErrBadTransition):
		return http.StatusConflict, err.Error()
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

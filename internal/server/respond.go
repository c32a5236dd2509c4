package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"portfolio-api/internal/storage"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps a storage error to a response. Unexpected errors
// are logged with the request id.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, op string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "file not found")
	case errors.Is(err, storage.ErrInvalidKey):
		writeError(w, http.StatusBadRequest, "invalid file name")
	case errors.Is(err, storage.ErrCircuitOpen), errors.Is(err, storage.ErrTooManyRequests):
		w.Header().Set("Retry-After", "30")
		writeError(w, http.StatusServiceUnavailable, "storage temporarily unavailable")
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to send.
		w.WriteHeader(499)
	default:
		s.log.Error("storage_error",
			zap.String("rid", RequestIDFromContext(r.Context())),
			zap.String("op", op),
			zap.Error(err))
		if s.store.Mode() == storage.ModeBlob {
			writeError(w, http.StatusBadGateway, "storage backend error")
			return
		}
		writeError(w, http.StatusInternalServerError, "storage error")
	}
}

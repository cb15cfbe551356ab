package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/threatdesk/threatdesk/internal/utils"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorBody struct {
	OK    bool   `json:"ok"`
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP statuses. Cancelled requests
// get no response and no error log; the client is already gone.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error, fallback string) {
	if utils.IsCancelled(err) || r.Context().Err() != nil {
		return
	}

	switch {
	case errors.Is(err, utils.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: "not_found"})
	case errors.Is(err, utils.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
	default:
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg := fallback
		if msg == "" {
			msg = "internal_error"
		}
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: msg})
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return utils.Validation("api.decodeBody", "invalid json body")
	}
	return nil
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r)
			if r.Context().Err() == nil {
				log.Debug("request", "method", r.Method, "path", r.URL.Path)
			}
		})
	}
}

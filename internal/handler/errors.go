package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"directline/internal/model"
)

// Stable error kinds returned in the "error" field.
const (
	kindInvalidArgument    = "invalid_argument"
	kindForbidden          = "forbidden"
	kindNotFound           = "not_found"
	kindUnauthorized       = "unauthorized"
	kindServiceUnavailable = "service_unavailable"
)

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// classify maps a core error to an HTTP status and response body. Anything
// that is not a validation or authorization failure is reported as a
// generic outage.
func classify(err error) (int, errorBody) {
	switch {
	case errors.Is(err, model.ErrInvalidArgument):
		return http.StatusBadRequest, errorBody{Error: kindInvalidArgument, Message: err.Error()}
	case errors.Is(err, model.ErrForbidden):
		return http.StatusForbidden, errorBody{Error: kindForbidden, Message: "not a participant of this conversation"}
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound, errorBody{Error: kindNotFound, Message: "conversation not found"}
	default:
		return http.StatusServiceUnavailable, errorBody{Error: kindServiceUnavailable, Message: "Service unavailable"}
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := classify(err)

	entry := h.log.WithError(err).WithFields(logrus.Fields{
		"method":  r.Method,
		"path":    r.URL.Path,
		"user_id": userIDFrom(r.Context()),
		"status":  status,
	})
	if status >= http.StatusInternalServerError {
		entry.Error("Request failed")
	} else {
		entry.Info("Request rejected")
	}

	writeJSON(w, status, body)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/comigor/floatchat-go/internal/chat"
	"github.com/comigor/floatchat-go/internal/logger"
	"github.com/comigor/floatchat-go/internal/modeguard"
	"github.com/comigor/floatchat-go/internal/prediction"
	"github.com/comigor/floatchat-go/internal/store"
)

var errBadBody = errors.New("invalid request body")

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.L.Warn("write response failed", "error", err)
	}
}

// writeError maps domain errors onto HTTP responses.
func writeError(w http.ResponseWriter, err error) {
	var pe *prediction.Error
	if errors.As(err, &pe) {
		writePredictionError(w, pe)
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, errBadBody),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, chat.ErrInvalidMode),
		errors.Is(err, chat.ErrInvalidRole):
		status = http.StatusBadRequest
	case errors.Is(err, chat.ErrConversationNotFound), errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, modeguard.ErrModeLocked):
		status = http.StatusForbidden
	}

	msg := err.Error()
	if status == http.StatusInternalServerError {
		logger.L.Error("request failed", "error", err)
		msg = "internal error"
	}
	writeJSON(w, status, errorBody{Error: msg})
}

// writePredictionError returns the predictor's own error body verbatim when there is one.
func writePredictionError(w http.ResponseWriter, pe *prediction.Error) {
	if pe.Body != nil {
		writeJSON(w, pe.Status, pe.Body)
		return
	}
	body := map[string]any{"success": false, "error": pe.Message}
	if pe.Detail != "" {
		body["detail"] = pe.Detail
	}
	if pe.ExitCode != nil {
		body["exitCode"] = *pe.ExitCode
	}
	writeJSON(w, pe.Status, body)
}

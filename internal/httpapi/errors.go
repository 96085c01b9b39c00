package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/haasonsaas/relay/internal/runner"
	"github.com/haasonsaas/relay/internal/sessions"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	TurnID  string `json:"turn_id,omitempty"`
	Phase   string `json:"phase,omitempty"`
}

type errorBody struct {
	Error apiError `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, errorBody{Error: apiError{Code: code, Message: message}})
}

// writeFailure maps domain errors onto HTTP statuses.
func writeFailure(w http.ResponseWriter, err error) {
	body := apiError{Message: err.Error()}
	status := http.StatusInternalServerError

	var turnErr *runner.TurnError
	switch {
	case errors.Is(err, sessions.ErrNotFound):
		status, body.Code = http.StatusNotFound, "not_found"
	case errors.Is(err, runner.ErrQueueFull):
		status, body.Code = http.StatusTooManyRequests, "queue_full"
	case errors.Is(err, runner.ErrClosed):
		status, body.Code = http.StatusServiceUnavailable, "unavailable"
	case errors.As(err, &turnErr):
		status, body.Code = http.StatusBadGateway, "turn_failed"
		body.TurnID = turnErr.TurnID
		body.Phase = string(turnErr.Phase)
	case errors.Is(err, context.DeadlineExceeded):
		status, body.Code = http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		status, body.Code = http.StatusServiceUnavailable, "cancelled"
	default:
		body.Code = "internal"
	}
	writeJSON(w, status, errorBody{Error: body})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", err.Error())
		return false
	}
	return true
}

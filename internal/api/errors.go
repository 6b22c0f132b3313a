package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nerrad567/agrivision-core/internal/gateway"
)

// Error is the JSON body of every failed request, and the payload of a
// websocket error frame.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string { return e.Code + ": " + e.Message }

// Error codes.
const (
	ErrCodeBadRequest  = "bad_request"
	ErrCodeNotFound    = "not_found"
	ErrCodeUnknownType = "unknown_type"
	ErrCodeQueueFull   = "queue_full"
	ErrCodeInternal    = "internal_error"
)

// queueRequest decodes data as a gateway request and pushes it. Both the
// push endpoint and websocket commands go through here so they classify
// failures the same way.
func queueRequest(gw *gateway.Gateway, data []byte) (gateway.Incoming, *Error) {
	req, err := gateway.DecodeIncoming(data)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownType) {
			return nil, &Error{http.StatusBadRequest, ErrCodeUnknownType, err.Error()}
		}
		return nil, &Error{http.StatusBadRequest, ErrCodeBadRequest, err.Error()}
	}

	if err := gw.Push(req); err != nil {
		if errors.Is(err, gateway.ErrInboundFull) {
			return nil, &Error{http.StatusServiceUnavailable, ErrCodeQueueFull, "request queue full, retry later"}
		}
		return nil, &Error{http.StatusInternalServerError, ErrCodeInternal, "could not queue " + req.Type()}
	}
	return req, nil
}

// writeJSON writes v with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeAPIError writes e. A full queue carries a Retry-After hint.
func writeAPIError(w http.ResponseWriter, e *Error) {
	if e.Code == ErrCodeQueueFull {
		w.Header().Set("Retry-After", "1")
	}
	writeJSON(w, e.Status, e)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeAPIError(w, &Error{Status: status, Code: code, Message: message})
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

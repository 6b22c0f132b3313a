package api

import (
	"errors"
	"io"
	"net/http"
)

// handlePush queues one request on the gateway.
//
// The body is a single JSON request such as {"type":"water","x":10,"y":20}.
// It answers 202 once queued; the outcome arrives later as a report on the
// pull stream or websocket.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, ErrCodeBadRequest, "request body too large")
			return
		}
		writeBadRequest(w, "could not read request body")
		return
	}

	req, apiErr := queueRequest(s.gw, body)
	if apiErr != nil {
		if apiErr.Code == ErrCodeInternal {
			s.logger.Error("push failed", "error", apiErr.Message)
		}
		writeAPIError(w, apiErr)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"status": "queued",
		"type":   req.Type(),
	})
}

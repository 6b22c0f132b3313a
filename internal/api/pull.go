package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nerrad567/agrivision-core/internal/gateway"
)

// pullKeepAlive is how often an idle pull stream sends a comment line.
const pullKeepAlive = 15 * time.Second

// handlePull streams gateway reports as server-sent events.
//
// Each report is one event named after its type with the encoded report as
// data. The optional "types" query parameter (comma separated) filters the
// stream. The stream ends when the client disconnects or the server shuts
// down.
func (s *Server) handlePull(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	// The server write timeout would otherwise cut the stream.
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("pull: clearing write deadline", "error", err)
	}

	var filter map[string]struct{}
	if q := r.URL.Query().Get("types"); q != "" {
		filter = make(map[string]struct{})
		for _, t := range strings.Split(q, ",") {
			filter[strings.TrimSpace(t)] = struct{}{}
		}
	}

	sub := s.gw.Subscribe()
	defer s.gw.Unsubscribe(sub)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		s.logger.Warn("pull: streaming unsupported", "error", err)
		return
	}

	keepAlive := time.NewTicker(pullKeepAlive)
	defer keepAlive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return

		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}

		case msg, ok := <-sub.C():
			if !ok {
				return
			}
			if filter != nil {
				if _, want := filter[msg.Type()]; !want {
					continue
				}
			}
			if err := writeEvent(w, msg); err != nil {
				s.logger.Debug("pull: client gone", "error", err)
				return
			}
		}

		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// writeEvent writes msg in text/event-stream framing.
func writeEvent(w http.ResponseWriter, msg gateway.Outgoing) error {
	data, err := gateway.Encode(msg)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type(), data)
	return err
}

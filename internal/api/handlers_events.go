package api

import (
	"fmt"
	"io"
	"net/http"
	"time"

	"geoingest/internal/ws"
)

const sseHeartbeat = 15 * time.Second

// handleEventsSSE carries the websocket feed as server-sent events, for
// clients behind proxies that refuse upgrades. EventSource reconnects resume
// from Last-Event-ID.
func (s *server) handleEventsSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "streaming not supported", nil)
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream; charset=utf-8")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")

	client, backlog := s.hub.Subscribe(subscriptionFromRequest(r, r.Header.Get("Last-Event-ID")))
	defer s.hub.Unsubscribe(client)

	_, _ = io.WriteString(w, "retry: 3000\n\n")
	for _, msg := range backlog {
		writeSSE(w, msg)
	}
	flusher.Flush()

	heartbeat := time.NewTicker(sseHeartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			_, _ = io.WriteString(w, ": ping\n\n")
		case msg, ok := <-client.Messages():
			if !ok {
				return
			}
			writeSSE(w, msg)
		}
		flusher.Flush()
	}
}

func writeSSE(w io.Writer, msg ws.Message) {
	_, _ = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", msg.Seq, msg.Type, msg.Data)
}

package api

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"geoingest/internal/ws"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
	wsReadLimit  = 64 * 1024
)

// handleWS streams ingest events over a websocket. See subscriptionFromRequest
// for the query parameters.
func (s *server) handleWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkWSOrigin,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()

	client, backlog := s.hub.Subscribe(subscriptionFromRequest(r, ""))
	defer s.hub.Unsubscribe(client)
	s.metrics.IncWSConnections()
	defer s.metrics.DecWSConnections()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	// Inbound frames are only read to process pongs and notice close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	write := func(kind int, data []byte) bool {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteMessage(kind, data) == nil
	}

	for _, msg := range backlog {
		if !write(websocket.TextMessage, msg.Data) {
			return
		}
	}

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			return
		case <-ping.C:
			if !write(websocket.PingMessage, nil) {
				return
			}
		case msg, ok := <-client.Messages():
			if !ok || !write(websocket.TextMessage, msg.Data) {
				return
			}
		}
	}
}

// checkWSOrigin accepts requests without an Origin and same-host pages. Any
// origin passes once an API token gates the endpoint.
func (s *server) checkWSOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || s.cfg.APIToken != "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// subscriptionFromRequest reads afterSeq, includeStages (default true) and
// runId from the query. lastEventID, when set, wins over afterSeq.
func subscriptionFromRequest(r *http.Request, lastEventID string) ws.Subscription {
	q := r.URL.Query()
	sub := ws.Subscription{
		AfterSeq:      parseSeq(q.Get("afterSeq")),
		IncludeStages: true,
		RunID:         strings.TrimSpace(q.Get("runId")),
	}
	if seq := parseSeq(lastEventID); seq > 0 {
		sub.AfterSeq = seq
	}
	if raw := q.Get("includeStages"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			sub.IncludeStages = v
		}
	}
	return sub
}

func parseSeq(raw string) int64 {
	if raw == "" {
		return 0
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

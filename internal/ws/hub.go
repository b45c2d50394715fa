package ws

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventIngestStarted   = "ingest.started"
	EventIngestSucceeded = "ingest.succeeded"
	EventIngestFailed    = "ingest.failed"
	EventIngestStage     = "ingest.stage"
)

const (
	replayBufferSize = 512
	clientQueueSize  = 128
)

type Event struct {
	Type    string `json:"type"`
	Ts      string `json:"ts"`
	Seq     int64  `json:"seq"`
	RunID   string `json:"runId,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type Message struct {
	Seq   int64
	Type  string
	RunID string
	Data  []byte
}

// Subscription selects which events a client receives. AfterSeq replays
// buffered run-level events newer than that sequence; a non-empty RunID
// limits the feed to one run.
type Subscription struct {
	AfterSeq      int64
	IncludeStages bool
	RunID         string
}

func (s Subscription) wants(msg Message) bool {
	if msg.Type == EventIngestStage && !s.IncludeStages {
		return false
	}
	return s.RunID == "" || s.RunID == msg.RunID
}

// Hub fans ingest events out to websocket and SSE clients. Slow clients
// lose events rather than block publishers; Dropped counts the losses.
type Hub struct {
	mu      sync.Mutex
	clients map[*Client]struct{}
	seq     int64
	buffer  []Message
	dropped int64
}

type Client struct {
	send chan Message
	sub  Subscription
}

func NewHub() *Hub {
	return &Hub{clients: make(map[*Client]struct{})}
}

// Subscribe registers a client and returns the buffered events it missed.
func (h *Hub) Subscribe(sub Subscription) (*Client, []Message) {
	c := &Client{send: make(chan Message, clientQueueSize), sub: sub}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = struct{}{}

	if sub.AfterSeq <= 0 {
		return c, nil
	}
	var backlog []Message
	for _, msg := range h.buffer {
		if msg.Seq > sub.AfterSeq && sub.wants(msg) {
			backlog = append(backlog, msg)
		}
	}
	return c, backlog
}

func (c *Client) Messages() <-chan Message {
	return c.send
}

func (h *Hub) Unsubscribe(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *Hub) Publish(evt Event) {
	if h == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	h.seq++
	evt.Seq = h.seq
	evt.Ts = time.Now().UTC().Format(time.RFC3339Nano)
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	msg := Message{Seq: evt.Seq, Type: evt.Type, RunID: evt.RunID, Data: data}

	// Stage transitions are not kept for replay.
	if evt.Type != EventIngestStage {
		h.buffer = append(h.buffer, msg)
		if len(h.buffer) > replayBufferSize {
			h.buffer = h.buffer[len(h.buffer)-replayBufferSize:]
		}
	}

	for c := range h.clients {
		if !c.sub.wants(msg) {
			continue
		}
		select {
		case c.send <- msg:
		default:
			h.dropped++
		}
	}
}

package observe

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Event is one JSON line broadcast to live observers: either a session
// snapshot update or a completed-prompt record. Exactly one of the two
// fields is populated.
type Event struct {
	Type    string           `json:"type"`
	Session *SessionSnapshot `json:"session,omitempty"`
	Prompt  *PromptRecord    `json:"prompt,omitempty"`
}

// Hub fans completed-prompt and session-snapshot events out to connected
// websocket observers. It is read-only: observers cannot drive sessions
// through it, unlike the excluded terminal/browser UI.
type Hub struct {
	logger *slog.Logger

	mu         sync.Mutex
	subs       map[chan Event]struct{}
	scrollback *scrollbackBuffer
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:     logger,
		subs:       make(map[chan Event]struct{}),
		scrollback: newScrollbackBuffer(scrollbackSize),
	}
}

func (h *Hub) subscribe() chan Event {
	ch := make(chan Event, 32)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
	close(ch)
}

// Broadcast fans out an event to every connected observer, dropping it
// for any observer whose buffer is full rather than blocking.
func (h *Hub) Broadcast(ev Event) {
	if data, err := json.Marshal(ev); err == nil {
		h.scrollback.Write(append(data, '\n'))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.logger.Debug("observability subscriber dropped event, buffer full")
		}
	}
}

// PublishPrompt is a convenience wrapper used by callers that persist
// through a Store and want the same record broadcast live.
func (h *Hub) PublishPrompt(r PromptRecord) {
	h.Broadcast(Event{Type: "prompt", Prompt: &r})
}

func (h *Hub) PublishSession(s SessionSnapshot) {
	h.Broadcast(Event{Type: "session", Session: &s})
}

// ServeHTTP upgrades the request to a websocket and streams events until
// the client disconnects. There is no inbound message handling: this tap
// is strictly one-directional.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"100.*.*.*", "*.ts.net", "localhost:*", "127.0.0.1:*"},
	})
	if err != nil {
		h.logger.Error("observability websocket accept failed", "err", err)
		return
	}
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	ch := h.subscribe()
	defer h.unsubscribe(ch)

	if backlog := h.scrollback.Bytes(); len(backlog) > 0 {
		msg, err := json.Marshal(struct {
			Type   string `json:"type"`
			NDJSON string `json:"ndjson"`
		}{Type: "scrollback", NDJSON: string(backlog)})
		if err == nil {
			if err := conn.Write(ctx, websocket.MessageText, msg); err != nil {
				return
			}
		}
	}

	go h.pingLoop(ctx, cancel, conn)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func (h *Hub) pingLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				return
			}
		}
	}
}

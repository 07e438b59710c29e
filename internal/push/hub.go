// Package push fans bus events out to websocket subscribers. Clients join
// per-session rooms and receive that session's lifecycle and message events;
// typing indicators flow back through the session manager.
package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"go.uber.org/zap"

	"github.com/mfpaiva/zapgate/internal/bus"
	"github.com/mfpaiva/zapgate/internal/engine"
)

// Frame is the wire envelope in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// outFrame is a server-to-client frame before encoding.
type outFrame struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

// roomRef names a session in client control frames.
type roomRef struct {
	SessionID string `json:"sessionId"`
}

// typingRef names the chat a typing indicator applies to.
type typingRef struct {
	SessionID string `json:"sessionId"`
	ChatID    string `json:"chatId"`
}

// PresenceSender relays typing indicators to a live session.
type PresenceSender interface {
	SendPresence(ctx context.Context, sessionID, chatJID string, presence engine.Presence) error
}

const sendBuffer = 32

// Hub tracks websocket clients and their room membership.
type Hub struct {
	presence PresenceSender
	bus      *bus.Bus
	logger   *zap.Logger

	mu    sync.Mutex
	rooms map[string]map[*client]struct{}
}

type client struct {
	conn  *websocket.Conn
	send  chan outFrame
	rooms map[string]struct{}
}

func NewHub(b *bus.Bus, presence PresenceSender, logger *zap.Logger) *Hub {
	return &Hub{
		presence: presence,
		bus:      b,
		logger:   logger.Named("push"),
		rooms:    make(map[string]map[*client]struct{}),
	}
}

// Run forwards bus events to joined clients until ctx is canceled.
func (h *Hub) Run(ctx context.Context) {
	events, stop := h.bus.Subscribe("", 256)
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return
		case evt := <-events:
			wireEvent, ok := wireEventFor(evt.Kind)
			if !ok {
				continue
			}
			h.broadcast(evt.SessionID, outFrame{Event: wireEvent, Data: evt.Payload})
		}
	}
}

// wireEventFor maps internal event kinds to client-facing event names.
func wireEventFor(kind string) (string, bool) {
	switch kind {
	case bus.KindSessionQR:
		return "qr:updated", true
	case bus.KindSessionConnected, bus.KindSessionDisconnected:
		return "connection:status", true
	case bus.KindMessageReceived:
		return "message:received", true
	case bus.KindMessageUpdated:
		return "message:updated", true
	case bus.KindJobCompleted:
		return "job:completed", true
	case bus.KindJobFailed:
		return "job:failed", true
	default:
		return "", false
	}
}

func (h *Hub) broadcast(sessionID string, frame outFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.rooms[sessionID] {
		select {
		case c.send <- frame:
		default:
			// Slow consumer: drop rather than stall the fan-out.
		}
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // browser dashboards connect cross-origin
	})
	if err != nil {
		h.logger.Warn("accept failed", zap.Error(err))
		return
	}
	c := &client{
		conn:  conn,
		send:  make(chan outFrame, sendBuffer),
		rooms: make(map[string]struct{}),
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go c.writePump(ctx)

	h.readLoop(ctx, c)

	h.drop(c)
	cancel()
	_ = conn.Close(websocket.StatusNormalClosure, "")
}

func (c *client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := wsjson.Write(writeCtx, c.conn, frame)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) readLoop(ctx context.Context, c *client) {
	for {
		var frame Frame
		if err := wsjson.Read(ctx, c.conn, &frame); err != nil {
			return
		}
		switch frame.Event {
		case "session:join":
			var ref roomRef
			if err := json.Unmarshal(frame.Data, &ref); err != nil || ref.SessionID == "" {
				continue
			}
			h.join(c, ref.SessionID)
		case "session:leave":
			var ref roomRef
			if err := json.Unmarshal(frame.Data, &ref); err != nil || ref.SessionID == "" {
				continue
			}
			h.leave(c, ref.SessionID)
		case "typing:start":
			h.relayTyping(ctx, frame.Data, engine.PresenceComposing)
		case "typing:stop":
			h.relayTyping(ctx, frame.Data, engine.PresencePaused)
		}
	}
}

// relayTyping is fire-and-forget: a dead session just swallows the indicator.
func (h *Hub) relayTyping(ctx context.Context, data json.RawMessage, presence engine.Presence) {
	var ref typingRef
	if err := json.Unmarshal(data, &ref); err != nil || ref.SessionID == "" || ref.ChatID == "" {
		return
	}
	if err := h.presence.SendPresence(ctx, ref.SessionID, ref.ChatID, presence); err != nil {
		h.logger.Debug("typing relay failed",
			zap.String("session_id", ref.SessionID),
			zap.Error(err))
	}
}

func (h *Hub) join(c *client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[sessionID]
	if room == nil {
		room = make(map[*client]struct{})
		h.rooms[sessionID] = room
	}
	room[c] = struct{}{}
	c.rooms[sessionID] = struct{}{}
}

func (h *Hub) leave(c *client, sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(c, sessionID)
}

func (h *Hub) drop(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sessionID := range c.rooms {
		h.removeLocked(c, sessionID)
	}
}

func (h *Hub) removeLocked(c *client, sessionID string) {
	if room, ok := h.rooms[sessionID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, sessionID)
		}
	}
	delete(c.rooms, sessionID)
}

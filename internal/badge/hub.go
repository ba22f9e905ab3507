package badge

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/raysh454/m365guard/internal/logging"
	"github.com/raysh454/m365guard/internal/verdict"
)

const (
	sendBuffer   = 32
	writeTimeout = 5 * time.Second
)

// Message is what subscribers receive: a badge update, a badge clear, or a
// tab notification.
type Message struct {
	Type         string                `json:"type"`
	TabID        int                   `json:"tabId"`
	Badge        *Badge                `json:"badge,omitempty"`
	Notification *verdict.Notification `json:"notification,omitempty"`
}

const (
	MessageBadge        = "badge"
	MessageBadgeClear   = "badge_clear"
	MessageNotification = "notification"
)

type subscriber struct {
	conn  *websocket.Conn
	tabID int // 0 subscribes to every tab
	send  chan Message
}

// Hub renders badges for the verdict coordinator. It remembers the current
// badge per tab and fans updates out to websocket subscribers; slow
// subscribers are dropped rather than blocking the coordinator.
type Hub struct {
	logger   logging.Logger
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	badges map[int]Badge
	subs   map[*subscriber]struct{}
	closed bool
}

var (
	_ verdict.Renderer = (*Hub)(nil)
	_ verdict.Notifier = (*Hub)(nil)
)

func NewHub(logger logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Nop()
	}
	return &Hub{
		logger: logger.With(logging.Field{Key: "component", Value: "badge"}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		badges: map[int]Badge{},
		subs:   map[*subscriber]struct{}{},
	}
}

// Render stores and broadcasts the badge for tv.
func (h *Hub) Render(_ context.Context, tv verdict.TabVerdict) error {
	b := ForVerdict(tv.Verdict)
	b.TabID = tv.TabID
	h.mu.Lock()
	h.badges[tv.TabID] = b
	h.mu.Unlock()
	h.broadcast(Message{Type: MessageBadge, TabID: tv.TabID, Badge: &b})
	return nil
}

// Clear forgets the tab's badge.
func (h *Hub) Clear(_ context.Context, tabID int) error {
	h.mu.Lock()
	delete(h.badges, tabID)
	h.mu.Unlock()
	h.broadcast(Message{Type: MessageBadgeClear, TabID: tabID})
	return nil
}

// Notify forwards a notification to subscribers of the tab.
func (h *Hub) Notify(_ context.Context, tabID int, n verdict.Notification) error {
	h.broadcast(Message{Type: MessageNotification, TabID: tabID, Notification: &n})
	return nil
}

// Current returns the badge last rendered for tabID.
func (h *Hub) Current(tabID int) (Badge, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.badges[tabID]
	return b, ok
}

// Reset drops every remembered badge.
func (h *Hub) Reset() {
	h.mu.Lock()
	h.badges = map[int]Badge{}
	h.mu.Unlock()
}

// Subscribers is the number of connected websocket clients.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// ServeHTTP upgrades to a websocket and streams messages. An optional
// tabId query parameter limits the stream to one tab; the current badge
// is sent first.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tabID := 0
	if v := r.URL.Query().Get("tabId"); v != "" {
		id, err := strconv.Atoi(v)
		if err != nil {
			http.Error(w, "invalid tabId", http.StatusBadRequest)
			return
		}
		tabID = id
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrading to websocket", logging.Err(err))
		return
	}
	sub := &subscriber{conn: conn, tabID: tabID, send: make(chan Message, sendBuffer)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.subs[sub] = struct{}{}
	if b, ok := h.badges[tabID]; ok && tabID != 0 {
		sub.send <- Message{Type: MessageBadge, TabID: tabID, Badge: &b}
	}
	h.mu.Unlock()

	go h.writePump(sub)
	h.readPump(sub)
}

// readPump discards client frames and unregisters on disconnect.
func (h *Hub) readPump(sub *subscriber) {
	defer h.unsubscribe(sub)
	for {
		if _, _, err := sub.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(sub *subscriber) {
	defer sub.conn.Close()
	for msg := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := sub.conn.WriteJSON(msg); err != nil {
			h.logger.Debug("websocket write failed", logging.Err(err))
			h.unsubscribe(sub)
			return
		}
	}
	_ = sub.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *Hub) broadcast(msg Message) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.tabID != 0 && sub.tabID != msg.TabID {
			continue
		}
		select {
		case sub.send <- msg:
		default:
			h.logger.Warn("dropping slow badge subscriber", logging.Field{Key: "tab_id", Value: sub.tabID})
			delete(h.subs, sub)
			close(sub.send)
		}
	}
}

func (h *Hub) unsubscribe(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.send)
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.send)
	}
	return nil
}

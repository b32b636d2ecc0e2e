package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/settlement-engine/internal/escrow"
	"github.com/atmx/settlement-engine/internal/metrics"
	"github.com/atmx/settlement-engine/internal/money"
)

// Message is a JSON message sent to WebSocket clients.
type Message struct {
	Type     string      `json:"type"`
	UserID   string      `json:"user_id,omitempty"`
	Currency string      `json:"currency,omitempty"`
	Reason   string      `json:"reason,omitempty"`
	Delta    money.Cents `json:"delta"`
	MarketID string      `json:"market_id,omitempty"`
}

// Hub manages WebSocket connections. Wallet updates go only to clients
// subscribed to that user; messages without a user, such as market
// settlements, go to everyone. It implements escrow.Notifier.
type Hub struct {
	clients    map[*websocket.Conn]string // conn -> subscribed user ID
	broadcast  chan outbound
	register   chan subscription
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

type subscription struct {
	conn   *websocket.Conn
	userID string
}

type outbound struct {
	userID string
	data   []byte
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan outbound, 256),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run is the hub's event loop. It returns when ctx is cancelled, closing
// every client; connections arriving afterwards are closed on upgrade.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.userID
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "user", sub.userID, "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn, userID := range h.clients {
				if msg.userID != "" && msg.userID != userID {
					continue
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg. A message with a UserID reaches only clients
// subscribed to that user.
func (h *Hub) Broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- outbound{userID: msg.UserID, data: data}:
	default:
		// Drop if buffer full to avoid blocking ledger writes.
	}
}

// WalletUpdated publishes a committed wallet change.
func (h *Hub) WalletUpdated(ev escrow.WalletEvent) {
	h.Broadcast(Message{
		Type:     "wallet_update",
		UserID:   ev.UserID,
		Currency: ev.Currency,
		Reason:   ev.Reason,
		Delta:    ev.Delta,
		MarketID: ev.MarketID,
	})
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws. The
// user_id query parameter selects whose wallet updates the client gets.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- subscription{conn: conn, userID: userID}:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
			}
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			// WriteControl may run concurrently with the broadcast writer.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}

var _ escrow.Notifier = (*Hub)(nil)

package betting

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/horsepicks/race-engine/internal/game"
	"github.com/horsepicks/race-engine/internal/metrics"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type      string    `json:"type"`
	PlayerID  string    `json:"player_id"`
	RaceID    string    `json:"race_id"`
	Tick      int       `json:"tick"`
	Positions []float64 `json:"positions,omitempty"`
	Winner    string    `json:"winner,omitempty"`
	WinnerID  int       `json:"winner_id,omitempty"`
	Won       *bool     `json:"won,omitempty"`
	Payout    string    `json:"payout,omitempty"`
	Profit    string    `json:"profit,omitempty"`
	Balance   string    `json:"balance,omitempty"`
}

type outbound struct {
	playerID string
	data     []byte
}

// WSHub manages WebSocket connections and pushes race updates. A client
// connected with ?player_id= only receives that player's races.
type WSHub struct {
	clients    map[*websocket.Conn]string // conn -> player filter ("" = all)
	broadcast  chan outbound
	register   chan subscription
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

type subscription struct {
	conn     *websocket.Conn
	playerID string
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]string),
		broadcast:  make(chan outbound, 1024),
		register:   make(chan subscription),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *WSHub) Run() {
	for {
		select {
		case sub := <-h.register:
			h.mu.Lock()
			h.clients[sub.conn] = sub.playerID
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n, "player_id", sub.playerID)

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
			for conn, filter := range h.clients {
				if filter != "" && filter != msg.playerID {
					continue
				}
				conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
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

// Broadcast sends a message to every interested client.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- outbound{playerID: msg.PlayerID, data: data}:
	default:
		// Drop if buffer full; the race clock must never wait on clients.
	}
}

// Notify adapts table events to WSMessage.
func (h *WSHub) Notify(e game.Event) {
	msg := WSMessage{
		Type:      e.Type,
		PlayerID:  e.PlayerID,
		RaceID:    e.RaceID,
		Tick:      e.Tick,
		Positions: e.Positions,
	}
	if e.Winner != nil {
		msg.Winner = e.Winner.Name
		msg.WinnerID = e.Winner.ID
	}
	if e.Result != nil {
		won := e.Result.Won
		msg.Won = &won
		msg.Payout = e.Result.Payout.StringFixed(2)
		msg.Profit = e.Result.Profit.StringFixed(2)
		msg.Balance = e.Balance.StringFixed(2)
	}
	h.Broadcast(msg)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- subscription{conn: conn, playerID: r.URL.Query().Get("player_id")}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
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

	// Ping ticker to keep connection alive through proxies. WriteControl
	// may run concurrently with the hub's writes.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				return
			}
		}
	}()
}

// Package events produces the ordered, immutable engine event stream:
// every record is appended to the store with a monotonic sequence number
// and broadcast to connected monitoring consumers over WebSocket.
package events

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/curvelaunch/graduation-engine/internal/model"
)

// Event type names emitted by the engines.
const (
	TypeTokenRegistered       = "token_registered"
	TypeCurveUpdated          = "curve_updated"
	TypeGraduated             = "graduated"
	TypeLPLocked              = "lp_locked"
	TypeLPUnlocked            = "lp_unlocked"
	TypeRefund                = "refund"
	TypeBreakerTripped        = "breaker_tripped"
	TypeBreakerReset          = "breaker_reset"
	TypeEmergencyActivated    = "emergency_activated"
	TypeEmergencyDeactivated  = "emergency_deactivated"
	TypeConfigUpdated         = "config_updated"
	TypeRoleGranted           = "role_granted"
	TypeRoleRevoked           = "role_revoked"
	TypeAgentRegistered       = "agent_registered"
	TypeAgentVerified         = "agent_verified"
	TypeAgentPowerUpdated     = "agent_power_updated"
	TypeAgentActiveChanged    = "agent_active_changed"
	TypeProposalCreated       = "proposal_created"
	TypeVoteCast              = "vote_cast"
	TypeProposalExecuted      = "proposal_executed"
	TypeProposalCanceled      = "proposal_canceled"
	TypeConfigProposed        = "config_proposed"
	TypeConfigProposalApplied = "config_proposal_applied"
	TypeConfigProposalDropped = "config_proposal_dropped"
)

// Hub manages WebSocket connections and broadcasts event records to all
// connected monitoring clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewHub creates a new event hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			slog.Info("event stream client connected", "total", total)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			// Write lock: failed writers are evicted in place.
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event record to all connected clients.
func (h *Hub) Broadcast(ev model.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking engine operations.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

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

	// Ping ticker to keep connection alive through proxies.
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
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}()
}

package ws

import (
	"context"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"rollcall/internal/auth"
	"rollcall/internal/broadcast"
	"rollcall/internal/config"
	"rollcall/internal/coordinator"
	"rollcall/internal/metrics"
	"rollcall/pkg/types"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict origins once the frontend's deployment origin is fixed.
		return true
	},
	HandshakeTimeout: 10 * time.Second,
}

// Handler upgrades authenticated WebSocket requests and runs each
// connection's read loop. Business logic stays in the coordinator; the
// handler only decodes frames and routes them.
type Handler struct {
	coordinator *coordinator.Coordinator
	broadcaster *broadcast.Broadcaster
	registry    *ConnRegistry
	limiter     *RateLimiter
	metrics     *metrics.Metrics

	signingKey string
	issuer     string
	wsConfig   *config.WebSocketConfig
}

// NewHandler wires the WebSocket layer. metrics may be nil.
func NewHandler(coord *coordinator.Coordinator, b *broadcast.Broadcaster, registry *ConnRegistry, m *metrics.Metrics, authCfg *config.AuthConfig, wsCfg *config.WebSocketConfig, rateLimitPerMin int) *Handler {
	return &Handler{
		coordinator: coord,
		broadcaster: b,
		registry:    registry,
		limiter:     NewRateLimiter(rateLimitPerMin),
		metrics:     m,
		signingKey:  authCfg.SigningKey,
		issuer:      authCfg.Issuer,
		wsConfig:    wsCfg,
	}
}

// HandleWebSocket authenticates the handshake and upgrades the connection.
// The token travels as ?token= or an Authorization bearer header; a bad token
// is rejected with 401 before the upgrade so clients get a plain HTTP error.
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		if header := r.Header.Get("Authorization"); strings.HasPrefix(header, "Bearer ") {
			token = strings.TrimPrefix(header, "Bearer ")
		}
	}
	if token == "" {
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}

	identity, err := auth.Verify(token, h.signingKey, h.issuer)
	if err != nil {
		http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
		return
	}

	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	conn := NewConnection(wsConn, identity, h.wsConfig.BufferSize, h.wsConfig.WriteTimeout)

	h.registry.Register(conn)
	h.broadcaster.JoinWorkspace(identity.WorkspaceID, conn)
	h.metrics.ConnectionOpened()

	if err := conn.Send(types.NewEvent(types.MessageTypeConnected, types.ConnectedPayload{Identity: identity})); err != nil {
		log.Printf("failed to send connected event to %s: %v", conn.ID(), err)
	}

	go h.handleConnection(conn)
}

// handleConnection runs the read pump and heartbeat until the peer goes away,
// then releases everything the connection held.
func (h *Handler) handleConnection(conn *Connection) {
	identity := conn.Identity()

	defer func() {
		// Disconnect implies leaving every joined session so presence stays
		// accurate for remaining participants.
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		for _, sessionID := range conn.JoinedSessions() {
			if err := h.coordinator.Leave(ctx, sessionID, identity, conn.ID()); err != nil {
				log.Printf("leave on disconnect failed: session=%s conn=%s: %v", sessionID, conn.ID(), err)
			}
		}
		cancel()

		h.broadcaster.LeaveWorkspace(identity.WorkspaceID, conn.ID())
		h.registry.Unregister(conn.ID())
		h.limiter.Forget(conn.ID())
		h.metrics.ConnectionClosed()
		_ = conn.Close()
	}()

	readTimeout := h.wsConfig.ReadTimeout
	if err := conn.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
		return
	}
	conn.conn.SetPongHandler(func(string) error {
		return conn.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	ticker := time.NewTicker(h.wsConfig.PingInterval)
	defer ticker.Stop()

	go func() {
		for {
			select {
			case <-ticker.C:
				if err := conn.conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(h.wsConfig.WriteTimeout)); err != nil {
					return
				}
			case <-conn.Done():
				return
			}
		}
	}()

	for {
		messageType, data, err := conn.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: conn=%s user=%s: %v", conn.ID(), identity.UserID, err)
			}
			return
		}
		if messageType == websocket.TextMessage {
			h.dispatch(conn, data)
		}
	}
}

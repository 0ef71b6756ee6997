package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"rollcall/pkg/types"
)

// Connection wraps a WebSocket with a single writer goroutine. All outbound
// frames go through the buffered write channel, so Send is safe from any
// goroutine and a broadcast never interleaves mid-frame with a response.
type Connection struct {
	id       string
	identity types.Identity

	conn         *websocket.Conn
	writeCh      chan []byte
	writeTimeout time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	mu     sync.Mutex
	joined map[string]struct{} // session IDs this connection has joined
}

// NewConnection wraps an upgraded WebSocket for an authenticated identity and
// starts its writer goroutine.
func NewConnection(conn *websocket.Conn, identity types.Identity, bufferSize int, writeTimeout time.Duration) *Connection {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.New().String(),
		identity:     identity,
		conn:         conn,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		joined:       make(map[string]struct{}),
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				c.cancel()
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// ID returns the connection's unique identifier.
func (c *Connection) ID() string { return c.id }

// UserID returns the authenticated user behind the connection.
func (c *Connection) UserID() string { return c.identity.UserID }

// Identity returns the identity extracted from the handshake token.
func (c *Connection) Identity() types.Identity { return c.identity }

// Send queues an event for delivery. It never blocks on a slow peer: a full
// buffer fails the send and the caller decides whether to drop the peer.
func (c *Connection) Send(ev *types.Event) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
		return ErrSendBufferFull
	}
}

// MarkJoined records that the connection joined a session, for cleanup on
// disconnect.
func (c *Connection) MarkJoined(sessionID string) {
	c.mu.Lock()
	c.joined[sessionID] = struct{}{}
	c.mu.Unlock()
}

// ClearJoined forgets a session after an explicit leave.
func (c *Connection) ClearJoined(sessionID string) {
	c.mu.Lock()
	delete(c.joined, sessionID)
	c.mu.Unlock()
}

// JoinedSessions returns the sessions the connection is currently joined to.
func (c *Connection) JoinedSessions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.joined))
	for id := range c.joined {
		ids = append(ids, id)
	}
	return ids
}

// Close tears the connection down. Idempotent.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		err = c.conn.Close()
	})
	return err
}

// Done reports connection teardown to lifecycle goroutines.
func (c *Connection) Done() <-chan struct{} {
	return c.ctx.Done()
}

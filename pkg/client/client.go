package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"rollcall/pkg/types"
)

// EventReconnected is delivered to observers after the client re-establishes
// a dropped connection. Session and workspace subscriptions are rebuilt by
// the server on rejoin, so callers should re-issue GetStatus for sessions
// they track and rejoin the ones they were in.
const EventReconnected = "reconnected"

// Config configures a client. Each client owns one connection; construct as
// many clients as you need identities.
type Config struct {
	// URL is the WebSocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Token is the signed handshake token.
	Token string

	// Reconnect backoff. Zero values pick defaults (500ms initial, 30s cap,
	// unlimited attempts).
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration
	MaxReconnectAttempts  int

	// RequestTimeout bounds Request when the caller's context has no
	// deadline. Defaults to 10s.
	RequestTimeout time.Duration
}

// APIError is an error frame returned for a request.
type APIError struct {
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Client is a WebSocket client with request/response correlation, typed event
// observers and automatic reconnection with exponential backoff.
type Client struct {
	cfg Config

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
	closed    bool

	writeMu sync.Mutex

	observersMu  sync.Mutex
	observers    map[string]map[int]func(*types.Event)
	nextObserver int

	pendingMu sync.Mutex
	pending   map[string]chan *types.Event
}

// Subscription is one observer registration.
type Subscription struct {
	client    *Client
	eventType string
	id        int
}

// Unsubscribe removes the observer. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.client.observersMu.Lock()
	defer s.client.observersMu.Unlock()
	if observers, exists := s.client.observers[s.eventType]; exists {
		delete(observers, s.id)
		if len(observers) == 0 {
			delete(s.client.observers, s.eventType)
		}
	}
}

// New creates a client. Call Connect before issuing requests.
func New(cfg Config) *Client {
	if cfg.ReconnectInitialDelay <= 0 {
		cfg.ReconnectInitialDelay = 500 * time.Millisecond
	}
	if cfg.ReconnectMaxDelay <= 0 {
		cfg.ReconnectMaxDelay = 30 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Client{
		cfg:       cfg,
		observers: make(map[string]map[int]func(*types.Event)),
		pending:   make(map[string]chan *types.Event),
	}
}

// Connect dials the server and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.connected {
		return nil
	}

	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	c.conn = conn
	c.connected = true
	go c.readLoop(conn)
	return nil
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	url := c.cfg.URL + "?token=" + c.cfg.Token
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.cfg.URL, err)
	}
	return conn, nil
}

// On registers an observer for an event type. Multiple observers per type are
// supported; each receives every matching event until unsubscribed.
func (c *Client) On(eventType string, fn func(*types.Event)) *Subscription {
	c.observersMu.Lock()
	defer c.observersMu.Unlock()

	if c.observers[eventType] == nil {
		c.observers[eventType] = make(map[int]func(*types.Event))
	}
	c.nextObserver++
	id := c.nextObserver
	c.observers[eventType][id] = fn

	return &Subscription{client: c, eventType: eventType, id: id}
}

// Request sends a frame and waits for the response carrying the same
// request ID. Error frames come back as *APIError.
func (c *Client) Request(ctx context.Context, messageType string, payload interface{}) (*types.Event, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if !c.connected {
		c.mu.Unlock()
		return nil, ErrNotConnected
	}
	conn := c.conn
	c.mu.Unlock()

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()
	}

	requestID := uuid.New().String()
	responseCh := make(chan *types.Event, 1)
	c.pendingMu.Lock()
	c.pending[requestID] = responseCh
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, requestID)
		c.pendingMu.Unlock()
	}()

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	frame := types.Envelope{Type: messageType, RequestID: requestID, Payload: data}

	c.writeMu.Lock()
	err = conn.WriteJSON(frame)
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", messageType, err)
	}

	select {
	case ev := <-responseCh:
		if ev == nil {
			return nil, ErrNotConnected
		}
		if ev.Type == types.MessageTypeError {
			var payload types.ErrorPayload
			if err := types.DecodePayload(ev, &payload); err != nil {
				return nil, fmt.Errorf("undecodable error frame: %w", err)
			}
			return nil, &APIError{Code: payload.Code, Message: payload.Message}
		}
		return ev, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts the client down permanently; no reconnection is attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}

func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		var ev types.Event
		if err := conn.ReadJSON(&ev); err != nil {
			c.handleDisconnect(conn, err)
			return
		}
		c.dispatchEvent(&ev)
	}
}

func (c *Client) dispatchEvent(ev *types.Event) {
	if ev.RequestID != "" {
		c.pendingMu.Lock()
		responseCh, waiting := c.pending[ev.RequestID]
		c.pendingMu.Unlock()
		if waiting {
			responseCh <- ev
			return
		}
	}

	c.observersMu.Lock()
	observers := make([]func(*types.Event), 0, len(c.observers[ev.Type]))
	for _, fn := range c.observers[ev.Type] {
		observers = append(observers, fn)
	}
	c.observersMu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
}

func (c *Client) handleDisconnect(conn *websocket.Conn, cause error) {
	_ = conn.Close()

	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.mu.Unlock()

	// In-flight requests cannot complete across a reconnect.
	c.failPending()

	log.Printf("rollcall client disconnected: %v; reconnecting", cause)
	go c.reconnect()
}

func (c *Client) failPending() {
	c.pendingMu.Lock()
	for requestID, responseCh := range c.pending {
		responseCh <- nil
		delete(c.pending, requestID)
	}
	c.pendingMu.Unlock()
}

func (c *Client) reconnect() {
	for attempt := 0; ; attempt++ {
		if c.cfg.MaxReconnectAttempts > 0 && attempt >= c.cfg.MaxReconnectAttempts {
			log.Printf("rollcall client giving up after %d reconnect attempts", attempt)
			return
		}

		time.Sleep(backoff(attempt, c.cfg.ReconnectInitialDelay, c.cfg.ReconnectMaxDelay))

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			continue
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.connected = true
		c.mu.Unlock()

		go c.readLoop(conn)
		c.dispatchEvent(types.NewEvent(EventReconnected, nil))
		return
	}
}

// backoff doubles the delay per attempt up to max.
func backoff(attempt int, initial, max time.Duration) time.Duration {
	delay := initial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

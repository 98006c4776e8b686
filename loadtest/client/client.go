// Package client provides a reusable WebSocket load test client for the
// dm-chat server. It connects using gobwas/ws (the same library the server
// uses) with a jwt cookie, records the session:created handshake and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client -> Server event types.
const (
	TypeTyping = "typing"
	TypePing   = "ping"
)

// Server -> Client event types.
const (
	TypeSessionCreated = "session:created"
	TypeOnlineUsers    = "getOnlineUsers"
	TypeUserOnline     = "user:online"
	TypeUserOffline    = "user:offline"
	TypeNewMessage     = "newMessage"
	TypeMessagesSeen   = "messagesSeen"
	TypeError          = "error"
	TypePong           = "pong"
)

// Event is a decoded server frame.
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration // dial until session:created
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// Client is a single simulated user connection.
type Client struct {
	UserID string

	conn      net.Conn
	r         io.Reader
	writeMu   sync.Mutex
	mu        sync.Mutex
	sessionID string
	metrics   Metrics
	handlers  map[string]func(Event)
	session   chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	start     time.Time
}

// New dials url with token in the jwt cookie. The read loop starts
// immediately; call WaitForSession before relying on SessionID.
func New(ctx context.Context, url, userID, token string) (*Client, error) {
	c := &Client{
		UserID:   userID,
		handlers: make(map[string]func(Event)),
		session:  make(chan struct{}),
		done:     make(chan struct{}),
		start:    time.Now(),
	}

	dialer := ws.Dialer{
		Header: ws.HandshakeHeaderHTTP(http.Header{
			"Cookie": []string{(&http.Cookie{Name: "jwt", Value: token}).String()},
		}),
	}
	conn, br, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	c.conn = conn
	c.r = conn
	if br != nil {
		// The server writes session:created right after the upgrade, so the
		// dialer may already hold the first frame.
		c.r = io.MultiReader(br, conn)
	}

	go c.readLoop()
	return c, nil
}

// On registers a handler for a server event type. Handlers run on the read
// loop goroutine and must be registered before the events arrive.
func (c *Client) On(eventType string, handler func(Event)) {
	c.mu.Lock()
	c.handlers[eventType] = handler
	c.mu.Unlock()
}

// Send writes a client event {"type", "data"}.
func (c *Client) Send(eventType string, data interface{}) error {
	frame, err := json.Marshal(struct {
		Type string      `json:"type"`
		Data interface{} `json:"data,omitempty"`
	}{eventType, data})
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := wsutil.WriteClientMessage(c.conn, ws.OpText, frame); err != nil {
		return err
	}
	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()
	return nil
}

// Typing sends a typing indicator to toUserID.
func (c *Client) Typing(toUserID string, isTyping bool) error {
	return c.Send(TypeTyping, map[string]interface{}{"toUserId": toUserID, "isTyping": isTyping})
}

// WaitForSession blocks until session:created arrives, the connection
// closes or ctx is done.
func (c *Client) WaitForSession(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return fmt.Errorf("connection closed before session was created")
	case <-c.session:
		return nil
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// SessionID returns the id assigned by the server.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) readLoop() {
	// Pong replies to server pings are written from here, so they share the
	// write lock with Send.
	rw := struct {
		io.Reader
		io.Writer
	}{c.r, lockedWriter{c}}

	for {
		data, err := wsutil.ReadServerText(rw)
		if err != nil {
			select {
			case <-c.done:
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			continue
		}

		c.mu.Lock()
		c.metrics.MessagesReceived++
		if ev.Type == TypeSessionCreated && c.sessionID == "" {
			var created struct {
				SessionID string `json:"sessionId"`
			}
			if json.Unmarshal(ev.Data, &created) == nil && created.SessionID != "" {
				c.sessionID = created.SessionID
				c.metrics.ConnectLatency = time.Since(c.start)
				close(c.session)
			}
		}
		handler := c.handlers[ev.Type]
		c.mu.Unlock()

		if handler != nil {
			handler(ev)
		}
	}
}

type lockedWriter struct{ c *Client }

func (w lockedWriter) Write(p []byte) (int, error) {
	w.c.writeMu.Lock()
	defer w.c.writeMu.Unlock()
	return w.c.conn.Write(p)
}

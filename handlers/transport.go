package handlers

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// DefaultLiveURL is the bidirectional streaming endpoint of the live model API.
	DefaultLiveURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	liveDialTimeout    = 45 * time.Second
	liveWriteWait      = 10 * time.Second
	liveMaxMessageSize = 16 * 1024 * 1024
	liveCloseGrace     = 5 * time.Second
)

// Conn is one open live connection. Writes are safe for concurrent use,
// reads are made from a single goroutine.
type Conn interface {
	WriteJSON(v any) error
	ReadMessage() ([]byte, error)
	Close() error
}

// Transport opens live connections.
type Transport interface {
	Dial(ctx context.Context, url, credential string) (Conn, error)
}

// WebSocketTransport dials the live endpoint with gorilla/websocket and sends
// the credential as the x-goog-api-key header.
type WebSocketTransport struct {
	DialTimeout    time.Duration
	WriteWait      time.Duration
	MaxMessageSize int64
}

func NewWebSocketTransport() *WebSocketTransport {
	return &WebSocketTransport{
		DialTimeout:    liveDialTimeout,
		WriteWait:      liveWriteWait,
		MaxMessageSize: liveMaxMessageSize,
	}
}

func (t *WebSocketTransport) Dial(ctx context.Context, url, credential string) (Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: t.DialTimeout,
		TLSClientConfig:  &tls.Config{MinVersion: tls.VersionTLS12},
	}
	headers := http.Header{}
	headers.Set("x-goog-api-key", credential)

	conn, resp, err := dialer.DialContext(ctx, url, headers)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	if t.MaxMessageSize > 0 {
		conn.SetReadLimit(t.MaxMessageSize)
	}
	return &wsConn{conn: conn, writeWait: t.WriteWait}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	writeWait time.Duration

	writeMu   sync.Mutex // gorilla allows one concurrent writer
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) WriteJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeWait > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeWait)); err != nil {
			return fmt.Errorf("failed to set write deadline: %w", err)
		}
	}
	if err := c.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		// the server sends JSON as either text or binary frames
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

// Close sends a normal close frame and tears down the socket.
func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.SetWriteDeadline(time.Now().Add(liveCloseGrace))
		_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

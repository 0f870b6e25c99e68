package transport

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
)

// WebSocketDialer dials the relay's /ws endpoint.
type WebSocketDialer struct {
	URL    string
	Header http.Header
}

// Dial connects and starts the read pump.
func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)

	c := &wsConn{
		conn:   conn,
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
	go c.readPump()
	return c, nil
}

type wsConn struct {
	conn   *websocket.Conn
	frames chan []byte
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	mu        sync.Mutex
	err       error
}

func (c *wsConn) Kind() string          { return KindWebSocket }
func (c *wsConn) Frames() <-chan []byte { return c.frames }

func (c *wsConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *wsConn) readPump() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if c.err == nil {
				c.err = err
			}
			c.mu.Unlock()
			c.conn.Close()
			return
		}
		select {
		case c.frames <- data:
		case <-c.done:
			return
		}
	}
}

func (c *wsConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	return c.conn.WriteMessage(websocket.TextMessage, frame)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
	})
	return nil
}

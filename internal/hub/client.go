package hub

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/weiawesome/wes-io-live-relay/internal/domain"
	pkglog "github.com/weiawesome/wes-io-live-relay/pkg/log"
)

// Client is a connected WebSocket client.
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	session *domain.Session

	closeOnce sync.Once
	done      chan struct{}
}

// NewClient wraps an upgraded websocket connection.
func NewClient(h *Hub, id string, conn *websocket.Conn) *Client {
	size := h.wsConfig.SendBuffer
	if size <= 0 {
		size = 256
	}
	return &Client{
		id:      id,
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, size),
		session: domain.NewSession(id, domain.TransportWebSocket),
		done:    make(chan struct{}),
	}
}

func (c *Client) ID() string                { return c.id }
func (c *Client) Session() *domain.Session { return c.session }
func (c *Client) Transport() string        { return domain.TransportWebSocket }

// Send queues a frame without blocking. A client whose buffer is full is
// too slow to keep up and gets closed.
func (c *Client) Send(data []byte) error {
	select {
	case <-c.done:
		return ErrClientGone
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		c.Close()
		return ErrSendBufferFull
	}
}

// Close stops the write pump, which closes the socket and in turn ends the
// read pump.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.done) })
	return nil
}

// SendJSON marshals v and queues it on c.
func SendJSON(c Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// ReadPump pumps frames from the WebSocket connection to handler.
func (c *Client) ReadPump(handler func(Conn, []byte)) {
	defer func() {
		c.Close()
		c.conn.Close()
		c.hub.Disconnect(c)
	}()

	cfg := c.hub.wsConfig
	c.conn.SetReadLimit(cfg.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l := pkglog.L()
				l.Warn().Err(err).Str(pkglog.FieldConnID, c.id).Msg("websocket error")
			}
			return
		}

		c.session.UpdateActivity()
		handler(c, message)
	}
}

// WritePump pumps queued frames to the WebSocket connection. After Close it
// flushes what is already queued, then sends a close frame.
func (c *Client) WritePump() {
	cfg := c.hub.wsConfig
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			if err := c.write(message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			for {
				select {
				case message := <-c.send:
					if err := c.write(message); err != nil {
						return
					}
				default:
					c.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
					c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
			}
		}
	}
}

func (c *Client) write(message []byte) error {
	c.conn.SetWriteDeadline(time.Now().Add(c.hub.wsConfig.WriteWait))

	w, err := c.conn.NextWriter(websocket.TextMessage)
	if err != nil {
		return err
	}
	w.Write(message)
	return w.Close()
}

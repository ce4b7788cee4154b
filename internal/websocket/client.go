package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"chat-relay/internal/models"
	"chat-relay/pkg/logger"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client is one websocket connection. Frames reach it through Send, which
// never blocks: a client whose queue is full is evicted and goes through the
// normal disconnect path.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	ready    chan struct{}
	once     sync.Once
	id       string
	authUser string
}

func newClient(hub *Hub, conn *websocket.Conn, authUser string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		hub:      hub,
		conn:     conn,
		send:     make(chan []byte, buffer),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
		authUser: authUser,
	}
}

func (c *Client) ID() string {
	return c.id
}

// Send queues payload for the write pump.
func (c *Client) Send(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- payload:
		return true
	default:
		logger.Warn("Send queue full, evicting client", "conn", c.id, "user", c.authUser)
		c.close()
		return false
	}
}

// close stops the write pump and tears down the socket, which ends the read
// pump and triggers unregistration.
func (c *Client) close() {
	c.once.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}

func (c *Client) ReadPump() {
	defer func() {
		c.hub.unregisterClient(c)
		c.close()
	}()

	c.conn.SetReadLimit(c.hub.opts.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				logger.Error("WebSocket read error", "conn", c.id, "error", err)
			}
			return
		}

		ev, err := models.DecodeInbound(raw)
		if err != nil {
			c.reply(models.ErrorMessage{Type: models.MessageTypeError, Error: err.Error()})
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), c.hub.opts.OpTimeout)
		err = c.hub.Dispatch(ctx, c, ev)
		cancel()
		if err != nil {
			if errors.Is(err, errHubClosed) {
				return
			}
			logger.Debug("Rejected client event", "conn", c.id, "type", ev.Type(), "error", err)
			c.reply(models.ErrorMessage{Type: models.MessageTypeError, Ref: ev.Type(), Error: err.Error()})
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				logger.Error("WebSocket write error", "conn", c.id, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) reply(event any) {
	if !c.hub.rooms.SendTo(c.id, event) {
		logger.Warn("Dropped reply", "conn", c.id)
	}
}

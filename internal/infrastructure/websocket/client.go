package websocket

import (
	stderrors "errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
)

var errClientClosed = stderrors.New("connection closed")

// Client is one live WebSocket connection of an authenticated user.
type Client struct {
	ID          string
	UserID      string
	DisplayName string
	AvatarURL   string

	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func NewClient(conn *websocket.Conn, identity *entity.Identity, buffer int) *Client {
	return &Client{
		ID:          uuid.New().String(),
		UserID:      identity.UserID,
		DisplayName: identity.DisplayName,
		AvatarURL:   identity.AvatarURL,
		conn:        conn,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
	}
}

// Deliver queues a frame without blocking. A full buffer drops the frame.
func (c *Client) Deliver(frame []byte) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errors.BroadcastFailure("send buffer full", nil)
	}
}

// Close stops the write pump. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Client) identity() *entity.Identity {
	return &entity.Identity{UserID: c.UserID, DisplayName: c.DisplayName, AvatarURL: c.AvatarURL}
}

type pumpConfig struct {
	writeWait      time.Duration
	pongWait       time.Duration
	pingPeriod     time.Duration
	maxMessageSize int64
}

// readPump hands every text frame to handle until the connection fails.
func (c *Client) readPump(cfg pumpConfig, handle func([]byte)) {
	c.conn.SetReadLimit(cfg.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(cfg.pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(cfg.pongWait))
	})

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn("WebSocket: read error on %s (user %s): %v", c.ID, c.UserID, err)
			}
			return
		}
		handle(frame)
	}
}

// writePump drains the send buffer. Each write carries a deadline so a stalled
// peer is dropped instead of holding the pump.
func (c *Client) writePump(cfg pumpConfig) {
	ticker := time.NewTicker(cfg.pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				logger.LogBroadcastFailure("write", c.ID, err)
				c.Close()
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(cfg.writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

package ws

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/codebench/codebench/internal/common/logger"
	wsproto "github.com/codebench/codebench/pkg/websocket"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1024 * 1024 // 1MB
)

// client is one WebSocket connection. The read pump decodes envelopes and
// dispatches them; responses and notifications go through the send channel
// so only the write pump touches the connection.
type client struct {
	conn   *websocket.Conn
	router *wsproto.Dispatcher
	send   chan []byte
	logger *logger.Logger

	closeOnce sync.Once
}

func newClient(conn *websocket.Conn, router *wsproto.Dispatcher, log *logger.Logger) *client {
	return &client{
		conn:   conn,
		router: router,
		send:   make(chan []byte, 64),
		logger: log,
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}

func (c *client) readPump(ctx context.Context) {
	defer c.close()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg wsproto.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.reply(mustError("", "", wsproto.ErrorCodeBadMessage, "malformed message envelope"))
			continue
		}

		resp, err := c.router.Dispatch(ctx, &msg)
		if err != nil {
			c.logger.Error("WebSocket dispatch failed",
				zap.String("action", msg.Action), zap.Error(err))
			resp = mustError(msg.ID, msg.Action, wsproto.ErrorCodeInternal, "internal error")
		}
		if resp != nil {
			c.reply(resp)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
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

func (c *client) reply(msg *wsproto.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logger.Error("Failed to encode WebSocket message", zap.Error(err))
		return
	}
	select {
	case c.send <- data:
	default:
		c.logger.Warn("WebSocket send buffer full, dropping message",
			zap.String("action", msg.Action))
	}
}

// mustError builds an error envelope; the payload is static so marshalling
// cannot fail.
func mustError(id, action, code, message string) *wsproto.Message {
	msg, _ := wsproto.NewError(id, action, code, message, nil)
	return msg
}

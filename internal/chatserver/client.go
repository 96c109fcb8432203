package chatserver

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/torosent/chatswarm/internal/protocol"
)

// chatOut is the payload broadcast for every published chat message.
type chatOut struct {
	protocol.ChatPayload
	Sent time.Time `json:"sent"`
}

type client struct {
	id     string
	server *Server
	conn   *websocket.Conn
	send   chan []byte
}

func newClient(s *Server, conn *websocket.Conn) *client {
	return &client{
		id:     uuid.NewString(),
		server: s,
		conn:   conn,
		send:   make(chan []byte, s.sendBuffer),
	}
}

func (c *client) readLoop() {
	logger := c.server.logger
	defer c.server.unregister(c)

	c.conn.SetReadLimit(c.server.maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("read failed", zap.String("client_id", c.id), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		msg, err := protocol.Decode(data)
		if err != nil {
			logger.Debug("dropping malformed frame", zap.String("client_id", c.id), zap.Error(err))
			continue
		}
		c.handle(msg)
	}
}

func (c *client) handle(msg protocol.Message) {
	logger := c.server.logger
	switch msg.Kind() {
	case protocol.KindSubscribe:
		r, ok := c.server.room(msg.Topic(), true)
		if !ok {
			logger.Debug("unknown room", zap.String("client_id", c.id), zap.String("room", msg.Topic()))
			return
		}
		r.join(c)
	case protocol.KindUnsubscribe:
		if r, ok := c.server.room(msg.Topic(), false); ok {
			r.leave(c)
		}
	case protocol.KindChat:
		in, err := msg.Chat()
		if err != nil {
			logger.Debug("invalid chat payload", zap.String("client_id", c.id), zap.Error(err))
			return
		}
		r, ok := c.server.room(msg.Topic(), false)
		if !ok {
			return
		}
		payload, err := json.Marshal(chatOut{ChatPayload: in, Sent: time.Now().UTC()})
		if err != nil {
			logger.Warn("marshal chat payload", zap.Error(err))
			return
		}
		frame, err := protocol.Encode(protocol.Message{Type: msg.Type, Payload: payload})
		if err != nil {
			logger.Warn("encode chat message", zap.Error(err))
			return
		}
		r.broadcast(frame, logger)
	default:
		logger.Debug("ignoring message", zap.String("client_id", c.id), zap.String("type", msg.Type))
	}
}

func (c *client) writeLoop() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case frame, ok := <-c.send:
			if !ok {
				_ = c.conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(writeWait))
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.server.logger.Debug("write failed", zap.String("client_id", c.id), zap.Error(err))
				return
			}
		}
	}
}

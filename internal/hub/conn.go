package hub

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/auth"
	"github.com/lalithlochan/beacon/internal/event"
	"github.com/lalithlochan/beacon/internal/metrics"
)

// Conn is one admitted WebSocket connection. Its identity is fixed at handshake.
type Conn struct {
	id       string
	identity auth.Identity
	ws       *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

// ID is the connection id sent in the connected acknowledgement.
func (c *Conn) ID() string { return c.id }

func (c *Conn) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// enqueue never blocks; false means the queue is full or the connection is closing.
func (c *Conn) enqueue(frame []byte) bool {
	if c.closed() {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Conn) shutdown() {
	c.once.Do(func() { close(c.done) })
}

// Serve admits ws for identity and blocks until the connection is gone.
func (h *Hub) Serve(ws *websocket.Conn, identity auth.Identity) {
	c := &Conn{
		id:       uuid.NewString(),
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, h.cfg.SendBuffer),
		done:     make(chan struct{}),
	}

	ack, err := event.NewConnected(c.id)
	if err != nil {
		h.logger.Error("failed to build connected ack", zap.Error(err))
		_ = ws.Close()
		return
	}
	frame, _ := json.Marshal(ack)
	// the ack is queued before joining so it is always the first frame
	c.send <- frame

	h.join(c)
	h.logger.Info("connection admitted",
		zap.String("connection_id", c.id),
		zap.String("user_id", identity.UserID),
		zap.String("role", identity.Role),
	)

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) readPump(c *Conn) {
	defer func() {
		h.leave(c)
		c.shutdown()
		_ = c.ws.Close()
		h.logger.Info("connection released",
			zap.String("connection_id", c.id),
			zap.String("user_id", c.identity.UserID),
		)
	}()

	c.ws.SetReadLimit(h.cfg.MaxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				metrics.RecordHeartbeatTimeout()
				h.logger.Info("heartbeat window missed",
					zap.String("connection_id", c.id),
					zap.String("user_id", c.identity.UserID),
				)
			case websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure):
				h.logger.Debug("connection read failed",
					zap.String("connection_id", c.id),
					zap.Error(err),
				)
			}
			return
		}

		// any inbound frame counts as liveness
		_ = c.ws.SetReadDeadline(time.Now().Add(h.cfg.PongWait))

		var env event.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			h.logger.Debug("ignoring malformed client frame",
				zap.String("connection_id", c.id),
				zap.Error(err),
			)
			continue
		}

		switch env.Event {
		case event.EventHeartbeat:
		default:
			h.logger.Debug("ignoring client event",
				zap.String("connection_id", c.id),
				zap.String("event", env.Event),
			)
		}
	}
}

func (h *Hub) writePump(c *Conn) {
	ticker := time.NewTicker(h.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.shutdown()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(h.cfg.WriteWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown()
				return
			}
		case <-c.done:
			_ = c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, ""),
				time.Now().Add(h.cfg.WriteWait))
			return
		}
	}
}

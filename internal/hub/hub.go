// Package hub is the realtime channel server: it admits authenticated WebSocket connections,
// groups them per user, and pushes user-scoped events to every connection in a group.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/event"
	"github.com/lalithlochan/beacon/internal/metrics"
)

// Config holds connection timing and buffering settings.
type Config struct {
	WriteWait      time.Duration // deadline for a single frame write
	PongWait       time.Duration // liveness window; no inbound frame or pong within it means dead
	PingPeriod     time.Duration // server ping interval, must be shorter than PongWait
	SendBuffer     int           // per-connection outbound queue length
	MaxMessageSize int64
	AllowedOrigins []string // empty allows any origin
}

// DefaultConfig mirrors the usual gorilla/websocket timings.
func DefaultConfig() Config {
	return Config{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     54 * time.Second,
		SendBuffer:     256,
		MaxMessageSize: 4 * 1024,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.WriteWait <= 0 {
		c.WriteWait = d.WriteWait
	}
	if c.PongWait <= 0 {
		c.PongWait = d.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = (c.PongWait * 9) / 10
	}
	if c.SendBuffer <= 0 {
		c.SendBuffer = d.SendBuffer
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// group is the set of live connections of one user.
// Its mutex serialises publishes against each other and against membership changes,
// so every member sees the same event order.
type group struct {
	mu    sync.Mutex
	conns map[*Conn]struct{}
}

// Hub owns all per-user groups of this process.
type Hub struct {
	mu     sync.RWMutex
	groups map[string]*group
	cfg    Config
	logger *zap.Logger
}

// New builds an empty hub. Zero fields of cfg take DefaultConfig values.
func New(cfg Config, logger *zap.Logger) *Hub {
	return &Hub{
		groups: make(map[string]*group),
		cfg:    cfg.withDefaults(),
		logger: logger,
	}
}

func (h *Hub) join(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.groups[c.identity.UserID]
	if !ok {
		g = &group{conns: make(map[*Conn]struct{})}
		h.groups[c.identity.UserID] = g
	}

	g.mu.Lock()
	g.conns[c] = struct{}{}
	g.mu.Unlock()

	metrics.ConnectionOpened()
}

func (h *Hub) leave(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	g, ok := h.groups[c.identity.UserID]
	if !ok {
		return
	}

	g.mu.Lock()
	_, member := g.conns[c]
	delete(g.conns, c)
	empty := len(g.conns) == 0
	g.mu.Unlock()

	if empty {
		delete(h.groups, c.identity.UserID)
	}
	if member {
		metrics.ConnectionClosed()
	}
}

// Deliver queues env on every connection of userID and returns how many accepted it.
// A connection whose queue is full is closed instead of blocking the group; its client
// reconnects and heals from a snapshot.
func (h *Hub) Deliver(userID string, env event.Envelope) int {
	frame, err := json.Marshal(env)
	if err != nil {
		h.logger.Error("failed to encode event", zap.Error(err), zap.String("event", env.Event))
		return 0
	}

	h.mu.RLock()
	g, ok := h.groups[userID]
	h.mu.RUnlock()
	if !ok {
		metrics.RecordPublished(env.Event, 0)
		return 0
	}

	delivered := 0
	g.mu.Lock()
	for c := range g.conns {
		// already shut down, waiting for its read pump to leave
		if c.closed() {
			continue
		}
		if c.enqueue(frame) {
			delivered++
			continue
		}
		h.logger.Warn("dropping slow connection",
			zap.String("connection_id", c.id),
			zap.String("user_id", userID),
			zap.String("event", env.Event),
		)
		metrics.RecordSlowConsumer()
		c.shutdown()
	}
	g.mu.Unlock()

	metrics.RecordPublished(env.Event, delivered)
	return delivered
}

// Publish delivers to local connections. It lets the hub stand in for a fan-out publisher
// in single-instance deployments.
func (h *Hub) Publish(_ context.Context, userID string, env event.Envelope) error {
	h.Deliver(userID, env)
	return nil
}

// ConnectionCount returns the number of live connections for userID.
func (h *Hub) ConnectionCount(userID string) int {
	h.mu.RLock()
	g, ok := h.groups[userID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.conns)
}

// Disconnect closes every connection of userID and returns how many were closed.
func (h *Hub) Disconnect(userID string) int {
	h.mu.RLock()
	g, ok := h.groups[userID]
	h.mu.RUnlock()
	if !ok {
		return 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	for c := range g.conns {
		c.shutdown()
	}
	return len(g.conns)
}

// Close shuts down every connection, used on server shutdown.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, g := range h.groups {
		g.mu.Lock()
		for c := range g.conns {
			c.shutdown()
		}
		g.mu.Unlock()
	}
}

// Package client is the notification controller a signed-in session owns: it keeps one
// realtime connection open, heals its state from REST snapshots, and applies pushed
// events idempotently.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/event"
)

// Dialer opens the realtime connection. *websocket.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, urlStr string, requestHeader http.Header) (*websocket.Conn, *http.Response, error)
}

// Credentials identify the signed-in session on both the WebSocket and REST paths.
type Credentials struct {
	UserID string
	Role   string
	Token  string
}

// Config tunes a Controller. Zero values take the defaults.
type Config struct {
	// ServerURL is the http(s) base of the server; the WebSocket URL is derived from it.
	ServerURL   string
	Credentials Credentials
	Reconnect   Policy

	HeartbeatInterval time.Duration
	// ReadTimeout is how long the connection may stay silent before it is considered dead.
	ReadTimeout      time.Duration
	SnapshotLimit    int
	MaxSnapshotPages int

	Dialer     Dialer
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	c.Reconnect = c.Reconnect.withDefaults()
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 70 * time.Second
	}
	if c.ReadTimeout <= c.HeartbeatInterval {
		c.ReadTimeout = 2 * c.HeartbeatInterval
	}
	if c.SnapshotLimit <= 0 {
		c.SnapshotLimit = 20
	}
	if c.MaxSnapshotPages <= 0 {
		c.MaxSnapshotPages = 5
	}
	if c.Dialer == nil {
		c.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	return c
}

// View is what presentation renders.
type View struct {
	Notifications []event.Notification
	UnreadCount   int
	Connected     bool
	ConnectionID  string
	// Exhausted is set once the reconnect budget is spent.
	Exhausted bool
}

// Controller owns one user's realtime connection and the State it feeds.
// Its methods are safe for concurrent use.
type Controller struct {
	cfg    Config
	wsURL  string
	api    *rest
	logger *zap.Logger

	mu           sync.Mutex
	state        *State
	connected    bool
	connectionID string
	exhausted    bool
	err          error
	started      bool
	closed       bool

	updates   chan struct{}
	reconnect chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New validates cfg and derives the WebSocket URL. It does not dial; call Start.
func New(cfg Config, logger *zap.Logger) (*Controller, error) {
	cfg = cfg.withDefaults()
	creds := cfg.Credentials
	if creds.UserID == "" || creds.Role == "" || creds.Token == "" {
		return nil, fmt.Errorf("%w: userId, role and token are required", ErrUnauthorized)
	}

	base, err := url.Parse(strings.TrimRight(cfg.ServerURL, "/"))
	if err != nil || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", cfg.ServerURL)
	}

	ws := *base
	switch base.Scheme {
	case "https":
		ws.Scheme = "wss"
	case "http":
		ws.Scheme = "ws"
	default:
		return nil, fmt.Errorf("invalid server url scheme %q", base.Scheme)
	}
	ws.Path = strings.TrimRight(base.Path, "/") + "/ws"
	q := url.Values{}
	q.Set("userId", creds.UserID)
	q.Set("role", creds.Role)
	q.Set("token", creds.Token)
	ws.RawQuery = q.Encode()

	return &Controller{
		cfg:       cfg,
		wsURL:     ws.String(),
		api:       &rest{base: base, token: creds.Token, http: cfg.HTTPClient},
		logger:    logger.With(zap.String("user_id", creds.UserID)),
		state:     NewState(),
		updates:   make(chan struct{}, 1),
		reconnect: make(chan struct{}, 1),
		done:      make(chan struct{}),
	}, nil
}

// Start runs the connection loop in the background until Close or a terminal error.
// A controller runs at most once; Start after Close or a second Start does nothing.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	if c.started || c.closed {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	c.started = true
	c.cancel = cancel
	c.mu.Unlock()

	go func() {
		err := c.run(ctx)
		c.mu.Lock()
		if err != nil && c.err == nil {
			c.err = err
		}
		c.closed = true
		c.state.Invalidate()
		c.connected = false
		c.connectionID = ""
		c.mu.Unlock()
		c.notify()
		cancel()
		close(c.done)
	}()
}

// Close tears the controller down and waits for its goroutines. Afterwards every
// mutation returns ErrClosed and in-flight results are discarded.
func (c *Controller) Close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.state.Invalidate()
		cancel, started := c.cancel, c.started
		c.mu.Unlock()

		if !started {
			close(c.done)
			return
		}
		cancel()
		<-c.done
	})
}

// Done is closed once the controller has stopped.
func (c *Controller) Done() <-chan struct{} { return c.done }

// Err is the terminal error, e.g. ErrUnauthorized.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Updates signals, coalesced, that View changed.
func (c *Controller) Updates() <-chan struct{} { return c.updates }

// Reconnect resumes the connection loop after the reconnect budget was spent,
// or cuts the current backoff short.
func (c *Controller) Reconnect() {
	select {
	case c.reconnect <- struct{}{}:
	default:
	}
}

// View returns a copy of the current state.
func (c *Controller) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return View{
		Notifications: c.state.Notifications(),
		UnreadCount:   c.state.UnreadCount(),
		Connected:     c.connected,
		ConnectionID:  c.connectionID,
		Exhausted:     c.exhausted,
	}
}

// setStatus updates connection fields under the lock. Unlike mutate it also runs
// during teardown.
func (c *Controller) setStatus(fn func()) {
	c.mu.Lock()
	fn()
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// mutate runs fn under the state lock and signals an update. It returns ErrClosed,
// without running fn, once the controller is torn down.
func (c *Controller) mutate(fn func(s *State)) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	fn(c.state)
	c.mu.Unlock()
	c.notify()
	return nil
}

// MarkRead marks id read locally, then on the server. Request errors are returned
// without rolling the local change back.
func (c *Controller) MarkRead(ctx context.Context, id string) error {
	if err := c.mutate(func(s *State) { s.ApplyMarkedRead([]string{id}) }); err != nil {
		return err
	}
	if err := c.api.markRead(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}

// MarkAllRead marks every held entry read locally, then on the server.
func (c *Controller) MarkAllRead(ctx context.Context) error {
	if err := c.mutate(func(s *State) { s.MarkAllRead() }); err != nil {
		return err
	}
	if err := c.api.markAllRead(ctx); err != nil {
		return fmt.Errorf("mark all read: %w", err)
	}
	return nil
}

// Delete removes id locally, then on the server. A notification the server no longer
// has counts as deleted.
func (c *Controller) Delete(ctx context.Context, id string) error {
	if err := c.mutate(func(s *State) { s.ApplyDeleted(id) }); err != nil {
		return err
	}
	if err := c.api.delete(ctx, id); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("delete: %w", err)
	}
	return nil
}

// Refresh runs a snapshot fetch outside the connect cycle.
func (c *Controller) Refresh(ctx context.Context) error {
	return c.fetchSnapshot(ctx)
}

func (c *Controller) run(ctx context.Context) error {
	attempt := 0
	for {
		ws, connectionID, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrUnauthorized) {
				c.logger.Warn("handshake rejected, not retrying")
				return err
			}

			attempt++
			if attempt >= c.cfg.Reconnect.MaxAttempts {
				c.logger.Warn("reconnect attempts exhausted", zap.Int("attempts", attempt), zap.Error(err))
				c.setStatus(func() { c.exhausted = true })
				select {
				case <-ctx.Done():
					return nil
				case <-c.reconnect:
				}
				attempt = 0
				c.setStatus(func() { c.exhausted = false })
				continue
			}

			delay := c.cfg.Reconnect.Delay(attempt)
			c.logger.Debug("dial failed, backing off",
				zap.Error(err),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay),
			)
			if !c.wait(ctx, delay) {
				return nil
			}
			continue
		}

		attempt = 0
		if err := c.session(ctx, ws, connectionID); errors.Is(err, ErrUnauthorized) {
			return err
		}
		// a dropped session still waits one base delay before redialing
		if !c.wait(ctx, c.cfg.Reconnect.BaseDelay) {
			return nil
		}
	}
}

// wait sleeps for d, returning early on Reconnect. It reports false once ctx is done.
func (c *Controller) wait(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.reconnect:
		return true
	case <-timer.C:
		return true
	}
}

// connect dials and waits for the connected acknowledgement.
func (c *Controller) connect(ctx context.Context) (*websocket.Conn, string, error) {
	ws, resp, err := c.cfg.Dialer.DialContext(ctx, c.wsURL, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, "", ErrUnauthorized
		}
		return nil, "", err
	}

	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	var ack event.Envelope
	if err := ws.ReadJSON(&ack); err != nil {
		ws.Close()
		return nil, "", fmt.Errorf("read acknowledgement: %w", err)
	}
	var connected event.Connected
	if ack.Event != event.EventConnected || ack.Decode(&connected) != nil {
		ws.Close()
		return nil, "", fmt.Errorf("unexpected first frame %q", ack.Event)
	}
	return ws, connected.ConnectionID, nil
}

// session serves one connection until it drops. It returns ErrUnauthorized when the
// server rejects the session over REST.
func (c *Controller) session(ctx context.Context, ws *websocket.Conn, connectionID string) error {
	defer ws.Close()

	// drain a stale manual trigger
	select {
	case <-c.reconnect:
	default:
	}

	c.setStatus(func() {
		c.connected = true
		c.connectionID = connectionID
	})
	c.logger.Info("realtime connected", zap.String("connection_id", connectionID))

	sctx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	var fetchErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := c.fetchSnapshot(sctx); err != nil {
			if errors.Is(err, ErrUnauthorized) {
				fetchErr = err
				cancel()
				_ = ws.Close()
				return
			}
			if sctx.Err() == nil && !errors.Is(err, ErrClosed) {
				c.logger.Warn("snapshot fetch failed, keeping state", zap.Error(err))
			}
		}
	}()
	go func() {
		defer wg.Done()
		c.heartbeat(sctx, ws)
	}()

	// unblocks the read loop on teardown
	go func() {
		<-sctx.Done()
		_ = ws.Close()
	}()

	err := c.readLoop(ws)
	cancel()
	wg.Wait()

	c.setStatus(func() {
		c.state.Invalidate()
		c.connected = false
		c.connectionID = ""
	})
	if fetchErr != nil {
		return fetchErr
	}
	if ctx.Err() == nil {
		c.logger.Info("realtime disconnected", zap.Error(err))
	}
	return nil
}

func (c *Controller) readLoop(ws *websocket.Conn) error {
	ws.SetPingHandler(func(data string) error {
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		return ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(5*time.Second))
	})

	for {
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return err
		}

		var env event.Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.logger.Debug("ignoring malformed frame", zap.Error(err))
			continue
		}
		c.apply(env)
	}
}

// apply routes one pushed event onto the state.
func (c *Controller) apply(env event.Envelope) {
	switch env.Event {
	case event.EventNewNotification:
		var n event.Notification
		if err := env.Decode(&n); err != nil {
			c.logger.Debug("bad new_notification payload", zap.Error(err))
			return
		}
		_ = c.mutate(func(s *State) { s.ApplyCreated(n) })
	case event.EventNotificationDeleted:
		var id string
		if err := env.Decode(&id); err != nil {
			c.logger.Debug("bad notification_deleted payload", zap.Error(err))
			return
		}
		_ = c.mutate(func(s *State) { s.ApplyDeleted(id) })
	case event.EventNotificationsMarkedRead:
		var ids []string
		if err := env.Decode(&ids); err != nil {
			c.logger.Debug("bad notifications_marked_read payload", zap.Error(err))
			return
		}
		_ = c.mutate(func(s *State) { s.ApplyMarkedRead(ids) })
	default:
		c.logger.Debug("ignoring event", zap.String("event", env.Event))
	}
}

func (c *Controller) heartbeat(ctx context.Context, ws *websocket.Conn) {
	frame, _ := json.Marshal(event.Heartbeat())
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debug("heartbeat write failed", zap.Error(err))
				_ = ws.Close()
				return
			}
		}
	}
}

// fetchSnapshot pages backwards while the server reports more unread entries than
// have been gathered, up to MaxSnapshotPages, then merges the result.
func (c *Controller) fetchSnapshot(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	epoch := c.state.BeginFetch()
	c.mu.Unlock()

	var (
		gathered []event.Notification
		before   string
	)
	for page := 0; page < c.cfg.MaxSnapshotPages; page++ {
		snap, err := c.api.snapshot(ctx, c.cfg.SnapshotLimit, before)
		if err != nil {
			c.mu.Lock()
			c.state.AbortFetch(epoch)
			c.mu.Unlock()
			return fmt.Errorf("snapshot: %w", err)
		}
		gathered = append(gathered, snap.Notifications...)

		if len(snap.Notifications) < c.cfg.SnapshotLimit || countUnread(gathered) >= snap.UnreadCount {
			break
		}
		before = snap.Notifications[len(snap.Notifications)-1].ID
	}

	c.mu.Lock()
	closed := c.closed
	applied := !closed && ctx.Err() == nil && c.state.ApplySnapshot(epoch, gathered)
	if !applied {
		c.state.AbortFetch(epoch)
	}
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}

	if applied {
		c.notify()
		c.logger.Debug("snapshot applied", zap.Int("entries", len(gathered)))
	}
	return nil
}

func countUnread(ns []event.Notification) int {
	n := 0
	for i := range ns {
		if !ns[i].Read {
			n++
		}
	}
	return n
}

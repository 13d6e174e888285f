package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/auth"
	"github.com/lalithlochan/beacon/internal/metrics"
)

// Authenticator turns handshake credentials into an identity.
type Authenticator interface {
	Authenticate(userID, role, token string) (auth.Identity, error)
}

// Handler performs the WebSocket handshake at GET /ws?userId=&role=&token=.
type Handler struct {
	hub      *Hub
	auth     Authenticator
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHandler upgrades admitted requests onto h, checking origins against the hub config.
func NewHandler(h *Hub, authenticator Authenticator, logger *zap.Logger) *Handler {
	return &Handler{
		hub:  h,
		auth: authenticator,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(h.cfg.AllowedOrigins),
		},
		logger: logger,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	set := make(map[string]bool, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = true
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return set[strings.ToLower(u.Scheme+"://"+u.Host)]
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	userID, role, token := q.Get("userId"), q.Get("role"), q.Get("token")

	identity, err := h.auth.Authenticate(userID, role, token)
	if err != nil {
		reason := "invalid_token"
		switch {
		case errors.Is(err, auth.ErrClaimMismatch):
			reason = "claim_mismatch"
		case errors.Is(err, auth.ErrUnknownRole):
			reason = "unknown_role"
		}
		metrics.RecordHandshakeRejected(reason)
		h.logger.Info("handshake rejected",
			zap.String("user_id", userID),
			zap.String("role", role),
			zap.String("reason", reason),
			zap.String("remote_addr", r.RemoteAddr),
		)
		writeUnauthorized(w, err.Error())
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		metrics.RecordHandshakeRejected("upgrade_failed")
		h.logger.Warn("websocket upgrade failed", zap.Error(err), zap.String("user_id", userID))
		return
	}

	h.hub.Serve(ws, identity)
}

func writeUnauthorized(w http.ResponseWriter, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"type":   "unauthorized",
		"title":  "Handshake rejected",
		"status": http.StatusUnauthorized,
		"detail": detail,
	})
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/auth"
	"github.com/lalithlochan/beacon/internal/event"
	"github.com/lalithlochan/beacon/internal/notify"
	"github.com/lalithlochan/beacon/internal/redis"
)

// NotificationService is the emitter plus the user-scoped mutations behind the REST API.
type NotificationService interface {
	Create(ctx context.Context, in notify.Input) (*event.Notification, error)
	Snapshot(ctx context.Context, userID string, limit int, before string) (event.Snapshot, error)
	MarkRead(ctx context.Context, userID, id string) ([]string, error)
	MarkAllRead(ctx context.Context, userID string) ([]string, error)
	Delete(ctx context.Context, userID, id string) error
}

// Idempotency is the producer dedup cache. Nil disables Idempotency-Key handling.
type Idempotency interface {
	CheckOrReserve(ctx context.Context, scope, key string) (*redis.IdempotencyResult, error)
	Store(ctx context.Context, scope, key string, result *redis.IdempotencyResult, ttl time.Duration) error
	Release(ctx context.Context, scope, key string) error
}

// Disconnecter closes a user's realtime connections.
type Disconnecter interface {
	Disconnect(userID string) int
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// CreateResponse is returned by the producer endpoint.
type CreateResponse struct {
	ID string `json:"id"`
}

// MutationResponse lists the ids whose state actually changed.
type MutationResponse struct {
	Changed []string `json:"changed"`
}

type markAllRequest struct {
	All bool `json:"all"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	svc         NotificationService
	idempotency Idempotency
	hub         Disconnecter
}

// NewHandler wires the REST handlers. idempotency may be nil.
func NewHandler(logger *zap.Logger, svc NotificationService, idempotency Idempotency, hub Disconnecter) *Handler {
	return &Handler{
		logger:      logger,
		svc:         svc,
		idempotency: idempotency,
		hub:         hub,
	}
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (auth.Identity, bool) {
	id, ok := auth.FromContext(r.Context())
	if !ok {
		h.writeError(w, http.StatusUnauthorized, "unauthorized", "Missing identity", "")
	}
	return id, ok
}

// ListNotifications handles GET /v1/notifications?limit=&before=
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	limit := notify.DefaultSnapshotLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > notify.MaxSnapshotLimit {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid limit",
				"limit must be between 1 and "+strconv.Itoa(notify.MaxSnapshotLimit))
			return
		}
		limit = parsed
	}

	snap, err := h.svc.Snapshot(r.Context(), id.UserID, limit, r.URL.Query().Get("before"))
	if err != nil {
		h.logger.Error("failed to build snapshot", zap.Error(err), zap.String("user_id", id.UserID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list notifications", "")
		return
	}

	h.writeJSON(w, http.StatusOK, snap)
}

// MarkRead handles PATCH /v1/notifications/{id}/read
func (h *Handler) MarkRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	changed, err := h.svc.MarkRead(r.Context(), id.UserID, chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, err, "Failed to mark notification read")
		return
	}

	h.writeJSON(w, http.StatusOK, MutationResponse{Changed: changed})
}

// MarkAllRead handles PATCH /v1/notifications/read-all
func (h *Handler) MarkAllRead(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req markAllRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}
	if !req.All {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing confirmation", `body must be {"all": true}`)
		return
	}

	changed, err := h.svc.MarkAllRead(r.Context(), id.UserID)
	if err != nil {
		h.writeServiceError(w, err, "Failed to mark notifications read")
		return
	}

	h.writeJSON(w, http.StatusOK, MutationResponse{Changed: changed})
}

// DeleteNotification handles DELETE /v1/notifications/{id}
func (h *Handler) DeleteNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.identity(w, r)
	if !ok {
		return
	}

	notifID := chi.URLParam(r, "id")
	if err := h.svc.Delete(r.Context(), id.UserID, notifID); err != nil {
		h.writeServiceError(w, err, "Failed to delete notification")
		return
	}

	h.writeJSON(w, http.StatusOK, MutationResponse{Changed: []string{notifID}})
}

// CreateNotification handles POST /v1/notifications for internal producers.
// Supports idempotency via the Idempotency-Key header, scoped to the recipient.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var in notify.Input
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	key := r.Header.Get("Idempotency-Key")
	useKey := key != "" && h.idempotency != nil && in.UserID != ""

	if useKey {
		cached, err := h.idempotency.CheckOrReserve(ctx, in.UserID, key)
		switch {
		case errors.Is(err, redis.ErrDuplicateRequest):
			h.writeError(w, http.StatusConflict, "duplicate_request",
				"Request is already being processed",
				"Another request with this idempotency key is in progress")
			return
		case err != nil:
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
			useKey = false
		case cached != nil && len(cached.NotificationIDs) > 0:
			w.Header().Set("X-Idempotency-Replayed", "true")
			h.writeJSON(w, cached.StatusCode, CreateResponse{ID: cached.NotificationIDs[0]})
			return
		}
	}

	n, err := h.svc.Create(ctx, in)
	if err != nil {
		if useKey {
			if rerr := h.idempotency.Release(ctx, in.UserID, key); rerr != nil {
				h.logger.Warn("failed to release idempotency key", zap.Error(rerr))
			}
		}
		if errors.Is(err, notify.ErrInvalidInput) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification", err.Error())
			return
		}
		h.logger.Error("failed to create notification", zap.Error(err), zap.String("user_id", in.UserID))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to create notification", "")
		return
	}

	if useKey {
		result := &redis.IdempotencyResult{
			NotificationIDs: []string{n.ID},
			StatusCode:      http.StatusCreated,
		}
		if err := h.idempotency.Store(ctx, in.UserID, key, result, redis.IdempotencyTTL); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", key),
			)
		}
	}

	h.writeJSON(w, http.StatusCreated, CreateResponse{ID: n.ID})
}

// DisconnectUser handles POST /v1/internal/users/{userId}/disconnect
func (h *Handler) DisconnectUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userId")
	closed := h.hub.Disconnect(userID)

	h.logger.Info("user disconnected", zap.String("user_id", userID), zap.Int("connections", closed))
	h.writeJSON(w, http.StatusOK, map[string]int{"closed": closed})
}

func (h *Handler) writeServiceError(w http.ResponseWriter, err error, title string) {
	if errors.Is(err, notify.ErrNotFound) {
		h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
		return
	}
	h.logger.Error(title, zap.Error(err))
	h.writeError(w, http.StatusInternalServerError, "database_error", title, "")
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// Package notify is the emission side of the subsystem: it persists notifications
// and publishes the matching events to the recipient's connections.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/event"
)

// Snapshot page sizes.
const (
	DefaultSnapshotLimit = 20
	MaxSnapshotLimit     = 100
)

var (
	ErrNotFound     = errors.New("notification not found")
	ErrInvalidInput = errors.New("invalid notification")
)

// Store is the durable notification store.
type Store interface {
	CreateNotification(ctx context.Context, n *event.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int, before string) ([]*event.Notification, error)
	GetNotification(ctx context.Context, userID, id string) (*event.Notification, error)
	CountUnread(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID string, ids []string) ([]string, error)
	MarkAllRead(ctx context.Context, userID string) ([]string, error)
	DeleteNotification(ctx context.Context, userID, id string) error
}

// Publisher pushes an event to every connection of a user.
type Publisher interface {
	Publish(ctx context.Context, userID string, env event.Envelope) error
}

// Input is what a producer supplies for one notification.
type Input struct {
	UserID  string          `json:"userId"`
	Type    event.Type      `json:"type"`
	Title   string          `json:"title"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (in Input) validate() error {
	if strings.TrimSpace(in.UserID) == "" {
		return fmt.Errorf("%w: userId is required", ErrInvalidInput)
	}
	if strings.TrimSpace(in.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidInput)
	}
	if len(in.Data) > 0 && !json.Valid(in.Data) {
		return fmt.Errorf("%w: data must be valid JSON", ErrInvalidInput)
	}
	return nil
}

// emitStripes bounds the per-user locks Create holds; users sharing a stripe
// serialise with each other.
const emitStripes = 64

// Service is the only writer of notifications. Its methods are safe for concurrent use.
type Service struct {
	store     Store
	publisher Publisher
	logger    *zap.Logger

	emitMu [emitStripes]sync.Mutex
}

// NewService wires the store and the publisher events go out on.
func NewService(store Store, publisher Publisher, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		publisher: publisher,
		logger:    logger,
	}
}

// userLock returns the stripe that serialises emission for userID.
func (s *Service) userLock(userID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return &s.emitMu[h.Sum32()%emitStripes]
}

// publish only logs failures. The record is already persisted at this point.
func (s *Service) publish(ctx context.Context, userID string, env event.Envelope) {
	if err := s.publisher.Publish(ctx, userID, env); err != nil {
		s.logger.Warn("failed to publish event",
			zap.Error(err),
			zap.String("user_id", userID),
			zap.String("event", env.Event),
		)
	}
}

// Create persists a notification and then announces it with new_notification.
// Creates for one user are serialised from insert through publish, so within this
// process new_notification events follow createdAt order.
func (s *Service) Create(ctx context.Context, in Input) (*event.Notification, error) {
	if err := in.validate(); err != nil {
		return nil, err
	}

	n := &event.Notification{
		ID:      uuid.NewString(),
		UserID:  in.UserID,
		Title:   in.Title,
		Message: in.Message,
		Type:    event.ParseType(string(in.Type)),
		Data:    in.Data,
	}

	mu := s.userLock(n.UserID)
	mu.Lock()
	defer mu.Unlock()

	if err := s.store.CreateNotification(ctx, n); err != nil {
		return nil, fmt.Errorf("create notification: %w", err)
	}

	env, err := event.NewNotificationCreated(*n)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, n.UserID, env)

	s.logger.Info("notification emitted",
		zap.String("notification_id", n.ID),
		zap.String("user_id", n.UserID),
		zap.String("type", string(n.Type)),
	)
	return n, nil
}

// CreateMany emits the same content to each recipient. Recipients that fail do not
// stop the others; their errors are joined.
func (s *Service) CreateMany(ctx context.Context, recipients []string, in Input) ([]*event.Notification, error) {
	created := make([]*event.Notification, 0, len(recipients))
	var errs []error
	for _, userID := range dedupe(recipients) {
		in.UserID = userID
		n, err := s.Create(ctx, in)
		if err != nil {
			errs = append(errs, fmt.Errorf("recipient %s: %w", userID, err))
			continue
		}
		created = append(created, n)
	}
	return created, errors.Join(errs...)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

// Snapshot returns one newest-first page plus the user's total unread count.
func (s *Service) Snapshot(ctx context.Context, userID string, limit int, before string) (event.Snapshot, error) {
	if limit <= 0 {
		limit = DefaultSnapshotLimit
	}
	if limit > MaxSnapshotLimit {
		limit = MaxSnapshotLimit
	}

	items, err := s.store.ListNotifications(ctx, userID, limit, before)
	if err != nil {
		return event.Snapshot{}, fmt.Errorf("list notifications: %w", err)
	}

	unread, err := s.store.CountUnread(ctx, userID)
	if err != nil {
		return event.Snapshot{}, fmt.Errorf("count unread: %w", err)
	}

	snap := event.Snapshot{
		Notifications: make([]event.Notification, 0, len(items)),
		UnreadCount:   unread,
	}
	for _, n := range items {
		snap.Notifications = append(snap.Notifications, *n)
	}
	return snap, nil
}

// MarkRead marks one notification read and publishes only if it actually transitioned.
// Marking an already-read notification is a no-op.
func (s *Service) MarkRead(ctx context.Context, userID, id string) ([]string, error) {
	changed, err := s.store.MarkRead(ctx, userID, []string{id})
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	if len(changed) == 0 {
		// either already read or not this user's
		if _, err := s.store.GetNotification(ctx, userID, id); err != nil {
			if errors.Is(err, db.ErrNotFound) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("get notification: %w", err)
		}
		return changed, nil
	}
	s.announceRead(ctx, userID, changed)
	return changed, nil
}

// MarkAllRead marks every unread notification of the user read.
func (s *Service) MarkAllRead(ctx context.Context, userID string) ([]string, error) {
	changed, err := s.store.MarkAllRead(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("mark all read: %w", err)
	}
	s.announceRead(ctx, userID, changed)
	return changed, nil
}

func (s *Service) announceRead(ctx context.Context, userID string, changed []string) {
	if len(changed) == 0 {
		return
	}
	env, err := event.NewNotificationsMarkedRead(changed)
	if err != nil {
		s.logger.Error("failed to build marked-read event", zap.Error(err))
		return
	}
	s.publish(ctx, userID, env)
}

// Delete removes a notification owned by userID and announces the removal.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if err := s.store.DeleteNotification(ctx, userID, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete notification: %w", err)
	}

	env, err := event.NewNotificationDeleted(id)
	if err != nil {
		return err
	}
	s.publish(ctx, userID, env)
	return nil
}

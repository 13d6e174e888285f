package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/event"
)

// ErrNotFound is returned when a notification does not exist for the requesting user.
var ErrNotFound = errors.New("notification not found")

// Repository is the PostgreSQL notification store
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new notification repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateNotification inserts a notification and fills CreatedAt from the database clock
func (r *Repository) CreateNotification(ctx context.Context, n *event.Notification) error {
	query := `
		INSERT INTO notifications (id, user_id, type, title, message, is_read, data)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6)
		RETURNING created_at
	`

	var data []byte
	if len(n.Data) > 0 {
		data = n.Data
	}

	err := r.db.Pool().QueryRow(ctx, query,
		n.ID,
		n.UserID,
		string(n.Type),
		n.Title,
		n.Message,
		data,
	).Scan(&n.CreatedAt)
	if err != nil {
		r.logger.Error("failed to create notification",
			zap.Error(err),
			zap.String("notification_id", n.ID),
			zap.String("user_id", n.UserID),
		)
		return fmt.Errorf("insert notification: %w", err)
	}

	n.Read = false
	return nil
}

// ListNotifications returns up to limit notifications for a user, newest first.
// A non-empty before cursor restricts the page to entries older than that id.
func (r *Repository) ListNotifications(ctx context.Context, userID string, limit int, before string) ([]*event.Notification, error) {
	query := `
		SELECT ` + notificationColumns + `
		FROM notifications
		WHERE user_id = $1
		  AND ($2 = '' OR (created_at, id) < (
			SELECT c.created_at, c.id FROM notifications c WHERE c.id = $2 AND c.user_id = $1
		  ))
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, before, limit)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()

	notifications := make([]*event.Notification, 0, limit)
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		notifications = append(notifications, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return notifications, nil
}

// GetNotification returns one notification owned by userID
func (r *Repository) GetNotification(ctx context.Context, userID, id string) (*event.Notification, error) {
	row := r.db.Pool().QueryRow(ctx,
		`SELECT `+notificationColumns+` FROM notifications WHERE id = $1 AND user_id = $2`,
		id, userID,
	)

	n, err := scanNotification(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get notification: %w", err)
	}
	return n, nil
}

// CountUnread returns the number of unread notifications for a user
func (r *Repository) CountUnread(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.Pool().QueryRow(ctx,
		`SELECT COUNT(*) FROM notifications WHERE user_id = $1 AND is_read = FALSE`,
		userID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count unread: %w", err)
	}
	return count, nil
}

// MarkRead flips the given ids to read and returns the ones that actually transitioned,
// in the order they were requested.
func (r *Repository) MarkRead(ctx context.Context, userID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}

	query := `
		UPDATE notifications
		SET is_read = TRUE, read_at = NOW()
		WHERE user_id = $1 AND id = ANY($2) AND is_read = FALSE
		RETURNING id
	`

	rows, err := r.db.Pool().Query(ctx, query, userID, ids)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}

	changed, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect marked ids: %w", err)
	}

	transitioned := make(map[string]bool, len(changed))
	for _, id := range changed {
		transitioned[id] = true
	}

	ordered := make([]string, 0, len(changed))
	for _, id := range ids {
		if transitioned[id] {
			ordered = append(ordered, id)
			delete(transitioned, id)
		}
	}
	return ordered, nil
}

// MarkAllRead flips every unread notification of a user and returns the ids, newest first
func (r *Repository) MarkAllRead(ctx context.Context, userID string) ([]string, error) {
	query := `
		WITH updated AS (
			UPDATE notifications
			SET is_read = TRUE, read_at = NOW()
			WHERE user_id = $1 AND is_read = FALSE
			RETURNING id, created_at
		)
		SELECT id FROM updated ORDER BY created_at DESC, id DESC
	`

	rows, err := r.db.Pool().Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("mark all read: %w", err)
	}

	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("collect marked ids: %w", err)
	}

	r.logger.Debug("notifications marked read",
		zap.String("user_id", userID),
		zap.Int("count", len(ids)),
	)
	return ids, nil
}

// DeleteNotification permanently removes a notification owned by userID
func (r *Repository) DeleteNotification(ctx context.Context, userID, id string) error {
	result, err := r.db.Pool().Exec(ctx,
		`DELETE FROM notifications WHERE id = $1 AND user_id = $2`,
		id, userID,
	)
	if err != nil {
		r.logger.Error("failed to delete notification",
			zap.Error(err),
			zap.String("notification_id", id),
		)
		return fmt.Errorf("delete notification: %w", err)
	}

	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

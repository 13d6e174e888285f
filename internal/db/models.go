package db

import (
	"github.com/jackc/pgx/v5"

	"github.com/lalithlochan/beacon/internal/event"
)

// notificationColumns is the projection shared by every notification query.
const notificationColumns = `id, user_id, type, title, message, is_read, data, created_at`

// scanNotification reads one row in notificationColumns order.
func scanNotification(row pgx.Row) (*event.Notification, error) {
	var (
		n       event.Notification
		rawType string
		data    []byte
	)
	if err := row.Scan(
		&n.ID,
		&n.UserID,
		&rawType,
		&n.Title,
		&n.Message,
		&n.Read,
		&data,
		&n.CreatedAt,
	); err != nil {
		return nil, err
	}
	n.Type = event.ParseType(rawType)
	if len(data) > 0 {
		n.Data = data
	}
	return &n, nil
}

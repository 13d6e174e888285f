// Package event defines the wire contract shared by the channel server and its clients.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type is the closed set of notification tags. Unknown tags decode to TypeOther.
type Type string

const (
	TypeServiceRequested        Type = "service_requested"
	TypeServiceAssigned         Type = "service_assigned"
	TypeServiceAssignedToClient Type = "service_assigned_to_client"
	TypeServiceStarted          Type = "service_started"
	TypeServiceCompleted        Type = "service_completed"
	TypeServiceCompletedAdmin   Type = "service_completed_admin"
	TypeDocumentCreated         Type = "document_created"
	TypeInspectionCreated       Type = "inspection_created"
	TypeOther                   Type = "other"
)

var knownTypes = map[Type]bool{
	TypeServiceRequested:        true,
	TypeServiceAssigned:         true,
	TypeServiceAssignedToClient: true,
	TypeServiceStarted:          true,
	TypeServiceCompleted:        true,
	TypeServiceCompletedAdmin:   true,
	TypeDocumentCreated:         true,
	TypeInspectionCreated:       true,
	TypeOther:                   true,
}

// ParseType maps a raw tag onto the enum, falling back to TypeOther.
func ParseType(s string) Type {
	t := Type(s)
	if knownTypes[t] {
		return t
	}
	return TypeOther
}

// Valid reports whether t is one of the declared tags.
func (t Type) Valid() bool {
	return knownTypes[t]
}

func (t *Type) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("decode notification type: %w", err)
	}
	*t = ParseType(s)
	return nil
}

// Notification is a persisted record addressed to exactly one user.
type Notification struct {
	ID        string          `json:"id"`
	UserID    string          `json:"userId"`
	Title     string          `json:"title"`
	Message   string          `json:"message"`
	Type      Type            `json:"type"`
	Read      bool            `json:"read"`
	CreatedAt time.Time       `json:"createdAt"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Event names carried in Envelope.Event.
const (
	EventConnected               = "connected"
	EventNewNotification         = "new_notification"
	EventNotificationDeleted     = "notification_deleted"
	EventNotificationsMarkedRead = "notifications_marked_read"
	EventHeartbeat               = "heartbeat"
)

// Envelope is a single WebSocket frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Connected is the handshake acknowledgement payload.
type Connected struct {
	ConnectionID string `json:"connectionId"`
}

// Snapshot is the REST response used to seed or heal client state.
type Snapshot struct {
	Notifications []Notification `json:"notifications"`
	UnreadCount   int            `json:"unreadCount"`
}

func newEnvelope(name string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", name, err)
	}
	return Envelope{Event: name, Data: data}, nil
}

// NewConnected builds the connected acknowledgement.
func NewConnected(connectionID string) (Envelope, error) {
	return newEnvelope(EventConnected, Connected{ConnectionID: connectionID})
}

// NewNotificationCreated carries the full record.
func NewNotificationCreated(n Notification) (Envelope, error) {
	return newEnvelope(EventNewNotification, n)
}

// NewNotificationDeleted carries the removed id.
func NewNotificationDeleted(id string) (Envelope, error) {
	return newEnvelope(EventNotificationDeleted, id)
}

// NewNotificationsMarkedRead carries the ids that transitioned to read, in order.
func NewNotificationsMarkedRead(ids []string) (Envelope, error) {
	if ids == nil {
		ids = []string{}
	}
	return newEnvelope(EventNotificationsMarkedRead, ids)
}

// Heartbeat is the client liveness frame.
func Heartbeat() Envelope {
	return Envelope{Event: EventHeartbeat}
}

// Decode unmarshals the envelope payload into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("event %s has no payload", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.Event, err)
	}
	return nil
}

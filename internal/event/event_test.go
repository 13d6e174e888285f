package event

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseType(t *testing.T) {
	tests := []struct {
		raw  string
		want Type
	}{
		{"service_assigned", TypeServiceAssigned},
		{"service_completed_admin", TypeServiceCompletedAdmin},
		{"other", TypeOther},
		{"permit_signed", TypeOther},
		{"", TypeOther},
	}

	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			if got := ParseType(tt.raw); got != tt.want {
				t.Errorf("ParseType(%q) = %s, want %s", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNotification_UnknownTypeFallsBack(t *testing.T) {
	raw := `{"id":"n1","userId":"u1","title":"t","message":"m","type":"brand_new_kind","read":false,"createdAt":"2026-01-02T10:00:00Z","data":{"serviceId":"s-9"}}`

	var n Notification
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if n.Type != TypeOther {
		t.Errorf("expected fallback type other, got %s", n.Type)
	}
	if string(n.Data) != `{"serviceId":"s-9"}` {
		t.Errorf("data must pass through untouched, got %s", n.Data)
	}
}

func TestEnvelope_RoundTripPayloads(t *testing.T) {
	created := Notification{ID: "n4", UserID: "u1", Type: TypeServiceAssigned, CreatedAt: time.Now().UTC()}
	env, err := NewNotificationCreated(created)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if env.Event != EventNewNotification {
		t.Fatalf("unexpected event name %s", env.Event)
	}

	frame, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	var decoded Envelope
	if err := json.Unmarshal(frame, &decoded); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	var got Notification
	if err := decoded.Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ID != "n4" || got.Type != TypeServiceAssigned {
		t.Errorf("unexpected payload %+v", got)
	}
}

func TestNewNotificationsMarkedRead_NilBecomesEmptyList(t *testing.T) {
	env, err := NewNotificationsMarkedRead(nil)
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if string(env.Data) != "[]" {
		t.Errorf("expected [], got %s", env.Data)
	}
}

func TestHeartbeat_DecodeWithoutPayloadFails(t *testing.T) {
	var v any
	if err := Heartbeat().Decode(&v); err == nil {
		t.Fatal("expected error decoding empty payload")
	}
}

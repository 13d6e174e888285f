package sqs

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

type fakeAPI struct {
	sent       []*sqs.SendMessageInput
	received   []types.Message
	deleted    []string
	visibility map[string]int32
	err        error
}

func (f *fakeAPI) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (f *fakeAPI) ReceiveMessage(context.Context, *sqs.ReceiveMessageInput, ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &sqs.ReceiveMessageOutput{Messages: f.received}, nil
}

func (f *fakeAPI) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeAPI) ChangeMessageVisibility(_ context.Context, in *sqs.ChangeMessageVisibilityInput, _ ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	if f.visibility == nil {
		f.visibility = map[string]int32{}
	}
	f.visibility[aws.ToString(in.ReceiptHandle)] = in.VisibilityTimeout
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func TestQueue_SendStampsAndValidates(t *testing.T) {
	api := &fakeAPI{}
	q := NewWithClient(api, "https://sqs.local/events", zap.NewNop())

	id, err := q.Send(context.Background(), DomainEvent{Kind: KindServiceStarted, ServiceID: "s1", ClientID: "c1"})
	if err != nil || id != "msg-1" {
		t.Fatalf("send: %q %v", id, err)
	}

	var ev DomainEvent
	if err := json.Unmarshal([]byte(aws.ToString(api.sent[0].MessageBody)), &ev); err != nil {
		t.Fatalf("decode sent body: %v", err)
	}
	if ev.OccurredAt == 0 || ev.ClientID != "c1" {
		t.Errorf("unexpected sent event %+v", ev)
	}

	if _, err := q.Send(context.Background(), DomainEvent{Kind: "service.exploded", ServiceID: "s1"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
	if len(api.sent) != 1 {
		t.Errorf("invalid events must not be sent")
	}
}

func TestQueue_ReceiveMapsAttributes(t *testing.T) {
	api := &fakeAPI{received: []types.Message{
		{
			MessageId:     aws.String("m1"),
			ReceiptHandle: aws.String("r1"),
			Body:          aws.String(`{"kind":"service.started","serviceId":"s1","clientId":"c1"}`),
			Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
		},
		{
			MessageId:     aws.String("m2"),
			ReceiptHandle: aws.String("r2"),
			Body:          aws.String(`not json`),
		},
	}}
	q := NewWithClient(api, "url", zap.NewNop())

	msgs, err := q.Receive(context.Background())
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m1" || msgs[0].ReceiveCount != 3 {
		t.Errorf("unexpected first message %+v", msgs[0])
	}
	if msgs[1].ReceiveCount != 1 {
		t.Errorf("missing receive count should default to 1, got %d", msgs[1].ReceiveCount)
	}

	ev, err := msgs[0].Decode()
	if err != nil || ev.Kind != KindServiceStarted {
		t.Fatalf("decode: %+v %v", ev, err)
	}
	if _, err := msgs[1].Decode(); err == nil {
		t.Fatal("expected decode error for malformed body")
	}
}

func TestQueue_DeleteAndVisibility(t *testing.T) {
	api := &fakeAPI{}
	q := NewWithClient(api, "url", zap.NewNop())
	ctx := context.Background()

	if err := q.Delete(ctx, "r1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := q.ChangeVisibility(ctx, "r2", 90*time.Second); err != nil {
		t.Fatalf("visibility: %v", err)
	}
	if len(api.deleted) != 1 || api.deleted[0] != "r1" {
		t.Errorf("unexpected deletes %v", api.deleted)
	}
	if api.visibility["r2"] != 90 {
		t.Errorf("expected 90s visibility, got %d", api.visibility["r2"])
	}
}

func TestDomainEvent_Validate(t *testing.T) {
	tests := []struct {
		name string
		ev   DomainEvent
		ok   bool
	}{
		{"valid", DomainEvent{Kind: KindDocumentCreated, ServiceID: "s1"}, true},
		{"missing service", DomainEvent{Kind: KindDocumentCreated}, false},
		{"unknown kind", DomainEvent{Kind: "x", ServiceID: "s1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.ev.Validate(); (err == nil) != tt.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/db"
	"github.com/lalithlochan/beacon/internal/event"
	"github.com/lalithlochan/beacon/internal/notify"
	"github.com/lalithlochan/beacon/internal/redis"
	"github.com/lalithlochan/beacon/internal/sqs"
)

type fakeQueue struct {
	mu       sync.Mutex
	pending  []sqs.Message
	deleted  []string
	delayed  map[string]time.Duration
	receives int
}

func (q *fakeQueue) Receive(ctx context.Context) ([]sqs.Message, error) {
	q.mu.Lock()
	q.receives++
	msgs := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(msgs) == 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return msgs, nil
}

func (q *fakeQueue) Delete(_ context.Context, receipt string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deleted = append(q.deleted, receipt)
	return nil
}

func (q *fakeQueue) ChangeVisibility(_ context.Context, receipt string, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.delayed == nil {
		q.delayed = map[string]time.Duration{}
	}
	q.delayed[receipt] = delay
	return nil
}

func (q *fakeQueue) deletedCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.deleted)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, event.Envelope) error { return nil }

type failingStore struct{ *db.MemoryStore }

func (failingStore) CreateNotification(context.Context, *event.Notification) error {
	return errors.New("database unavailable")
}

func newDedup(t *testing.T) *redis.IdempotencyService {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return redis.NewIdempotencyService(redis.Wrap(rdb, zap.NewNop()), zap.NewNop())
}

func msg(id, body string, receives int) sqs.Message {
	return sqs.Message{ID: id, ReceiptHandle: "rh-" + id, ReceiveCount: receives, Body: body}
}

func TestProcess_ServiceCompletedNotifiesClientAndAdmins(t *testing.T) {
	store := db.NewMemoryStore()
	q := &fakeQueue{}
	w := New(q, notify.NewService(store, nopPublisher{}, zap.NewNop()), newDedup(t), Config{}, zap.NewNop())
	ctx := context.Background()

	w.process(ctx, msg("m1", `{"kind":"service.completed","serviceId":"s1","clientId":"c1","adminIds":["a1","a2"],"employeeName":"Ana"}`, 1))

	for _, user := range []string{"c1", "a1", "a2"} {
		items, _ := store.ListNotifications(ctx, user, 10, "")
		if len(items) != 1 {
			t.Fatalf("%s: expected 1 notification, got %d", user, len(items))
		}
	}
	items, _ := store.ListNotifications(ctx, "a1", 10, "")
	if items[0].Type != event.TypeServiceCompletedAdmin {
		t.Errorf("admins should get the admin variant, got %s", items[0].Type)
	}
	if len(q.deleted) != 1 || q.deleted[0] != "rh-m1" {
		t.Errorf("message should be acked, deleted=%v", q.deleted)
	}
}

func TestProcess_RedeliveryIsDeduplicated(t *testing.T) {
	store := db.NewMemoryStore()
	q := &fakeQueue{}
	w := New(q, notify.NewService(store, nopPublisher{}, zap.NewNop()), newDedup(t), Config{}, zap.NewNop())
	ctx := context.Background()
	body := `{"kind":"service.started","serviceId":"s1","clientId":"c1"}`

	w.process(ctx, msg("m1", body, 1))
	w.process(ctx, msg("m1", body, 2))

	if unread, _ := store.CountUnread(ctx, "c1"); unread != 1 {
		t.Fatalf("redelivered message must not notify twice, unread=%d", unread)
	}
	if len(q.deleted) != 2 {
		t.Errorf("both deliveries should be acked, deleted=%v", q.deleted)
	}
}

func TestProcess_MalformedIsDropped(t *testing.T) {
	q := &fakeQueue{}
	w := New(q, notify.NewService(db.NewMemoryStore(), nopPublisher{}, zap.NewNop()), nil, Config{}, zap.NewNop())

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{`},
		{"unknown kind", `{"kind":"invoice.paid","serviceId":"s1"}`},
		{"missing service", `{"kind":"service.started","clientId":"c1"}`},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w.process(context.Background(), msg(tt.name, tt.body, 1))
			if len(q.deleted) != i+1 {
				t.Fatalf("poison message should be deleted, deleted=%v", q.deleted)
			}
		})
	}
}

func TestProcess_FailureDelaysThenDrops(t *testing.T) {
	q := &fakeQueue{}
	dedup := newDedup(t)
	svc := notify.NewService(failingStore{db.NewMemoryStore()}, nopPublisher{}, zap.NewNop())
	w := New(q, svc, dedup, Config{MaxReceives: 3}, zap.NewNop())
	ctx := context.Background()
	body := `{"kind":"service.started","serviceId":"s1","clientId":"c1"}`

	w.process(ctx, msg("m1", body, 1))
	if q.delayed["rh-m1"] != 10*time.Second {
		t.Fatalf("expected a 10s redelivery delay, got %v", q.delayed["rh-m1"])
	}
	if len(q.deleted) != 0 {
		t.Fatal("failed message must stay on the queue")
	}

	// the reservation is released so the redelivery is processed again
	if _, err := dedup.CheckOrReserve(ctx, dedupScope, "m1"); err != nil {
		t.Fatalf("dedup key should have been released: %v", err)
	}
	_ = dedup.Release(ctx, dedupScope, "m1")

	w.process(ctx, msg("m1", body, 3))
	if len(q.deleted) != 1 {
		t.Fatalf("message at max receives should be dropped, deleted=%v", q.deleted)
	}
}

func TestDispatch_Kinds(t *testing.T) {
	store := db.NewMemoryStore()
	w := New(&fakeQueue{}, notify.NewService(store, nopPublisher{}, zap.NewNop()), nil, Config{}, zap.NewNop())
	ctx := context.Background()

	tests := []struct {
		name  string
		ev    sqs.DomainEvent
		types []event.Type
	}{
		{"requested", sqs.DomainEvent{Kind: sqs.KindServiceRequested, ServiceID: "s", AdminIDs: []string{"a1"}, ClientName: "ACME"},
			[]event.Type{event.TypeServiceRequested}},
		{"assigned", sqs.DomainEvent{Kind: sqs.KindServiceAssigned, ServiceID: "s", EmployeeID: "e1", ClientID: "c1"},
			[]event.Type{event.TypeServiceAssigned, event.TypeServiceAssignedToClient}},
		{"document to named recipients", sqs.DomainEvent{Kind: sqs.KindDocumentCreated, ServiceID: "s", RecipientIDs: []string{"c1", "c2"}},
			[]event.Type{event.TypeDocumentCreated, event.TypeDocumentCreated}},
		{"inspection defaults to client", sqs.DomainEvent{Kind: sqs.KindInspectionCreated, ServiceID: "s", ClientID: "c1"},
			[]event.Type{event.TypeInspectionCreated}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			created, err := w.dispatch(ctx, tt.ev)
			if err != nil {
				t.Fatalf("dispatch: %v", err)
			}
			if len(created) != len(tt.types) {
				t.Fatalf("expected %d notifications, got %d", len(tt.types), len(created))
			}
			for i, want := range tt.types {
				if created[i].Type != want {
					t.Errorf("notification %d: expected %s, got %s", i, want, created[i].Type)
				}
			}
		})
	}

	if _, err := w.dispatch(ctx, sqs.DomainEvent{Kind: "nope"}); !errors.Is(err, sqs.ErrUnknownKind) {
		t.Fatalf("expected ErrUnknownKind, got %v", err)
	}
}

func TestRetryDelay(t *testing.T) {
	tests := []struct {
		count int
		want  time.Duration
	}{
		{0, 10 * time.Second},
		{1, 10 * time.Second},
		{2, 30 * time.Second},
		{4, 5 * time.Minute},
		{40, 5 * time.Minute},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.count); got != tt.want {
			t.Errorf("retryDelay(%d) = %v, want %v", tt.count, got, tt.want)
		}
	}
}

func TestStart_ProcessesUntilCancelled(t *testing.T) {
	q := &fakeQueue{pending: []sqs.Message{msg("m1", `{"kind":"service.started","serviceId":"s1","clientId":"c1"}`, 1)}}
	w := New(q, notify.NewService(db.NewMemoryStore(), nopPublisher{}, zap.NewNop()), nil, Config{}, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Start(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for q.deletedCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if q.deletedCount() != 1 {
		t.Fatal("worker should have processed the pending message")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop after cancel")
	}
}

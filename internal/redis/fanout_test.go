package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/event"
)

type recordingHub struct {
	mu   sync.Mutex
	got  []string
	want int
	done chan struct{}
}

func newRecordingHub(want int) *recordingHub {
	return &recordingHub{want: want, done: make(chan struct{})}
}

func (r *recordingHub) Deliver(userID string, env event.Envelope) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	var id string
	_ = env.Decode(&id)
	r.got = append(r.got, userID+"/"+id)
	if len(r.got) == r.want {
		close(r.done)
	}
	return 1
}

func (r *recordingHub) deliveries() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func TestFanout_RelaysToOtherInstancesOnly(t *testing.T) {
	client, mr := setupTestRedis(t)
	ctx := context.Background()

	// a second client on the same server stands in for another instance
	other := Wrap(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
	t.Cleanup(func() { other.Close() })

	localHub := newRecordingHub(1)
	remoteHub := newRecordingHub(3)
	local := NewFanout(client, "", localHub, zap.NewNop())
	remote := NewFanout(other, "", remoteHub, zap.NewNop())

	if err := local.Start(ctx); err != nil {
		t.Fatalf("start local: %v", err)
	}
	defer local.Close()
	if err := remote.Start(ctx); err != nil {
		t.Fatalf("start remote: %v", err)
	}
	defer remote.Close()

	for _, id := range []string{"n1", "n2", "n3"} {
		env, _ := event.NewNotificationDeleted(id)
		if err := local.Publish(ctx, "u1", env); err != nil {
			t.Fatalf("publish %s: %v", id, err)
		}
	}

	select {
	case <-remoteHub.done:
	case <-time.After(2 * time.Second):
		t.Fatalf("remote instance received %v", remoteHub.deliveries())
	}

	got := remoteHub.deliveries()
	want := []string{"u1/n1", "u1/n2", "u1/n3"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v in order, got %v", want, got)
		}
	}

	time.Sleep(50 * time.Millisecond)
	if own := localHub.deliveries(); len(own) != 0 {
		t.Errorf("publisher must skip its own messages, got %v", own)
	}
}

func TestFanout_StartTwiceFails(t *testing.T) {
	client, _ := setupTestRedis(t)
	f := NewFanout(client, "test", newRecordingHub(0), zap.NewNop())

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer f.Close()
	if err := f.Start(context.Background()); err == nil {
		t.Fatal("second start should fail")
	}
}

func TestFanout_PublishFailsWhenRedisDown(t *testing.T) {
	client, mr := setupTestRedis(t)
	f := NewFanout(client, "test", newRecordingHub(0), zap.NewNop())
	mr.Close()

	if err := f.Publish(context.Background(), "u1", event.Heartbeat()); err == nil {
		t.Fatal("expected publish error with redis down")
	}
}

func TestFanout_CloseWithoutStart(t *testing.T) {
	client, _ := setupTestRedis(t)
	f := NewFanout(client, "test", newRecordingHub(0), zap.NewNop())
	if err := f.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

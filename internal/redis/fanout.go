package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/event"
	"github.com/lalithlochan/beacon/internal/metrics"
)

const DefaultFanoutChannel = "beacon:events"

// Deliverer is the local channel server.
type Deliverer interface {
	Deliver(userID string, env event.Envelope) int
}

type fanoutMessage struct {
	Origin   string         `json:"origin"`
	UserID   string         `json:"userId"`
	Envelope event.Envelope `json:"envelope"`
}

// Fanout relays events between server instances over one pub/sub channel.
// Publish only reaches other instances; the publishing instance delivers locally itself,
// and messages carrying its own origin are skipped on receive.
type Fanout struct {
	client  *Client
	channel string
	origin  string
	local   Deliverer
	logger  *zap.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	done   chan struct{}
}

// NewFanout relays events on channel to local. Each instance gets its own origin id.
func NewFanout(client *Client, channel string, local Deliverer, logger *zap.Logger) *Fanout {
	if channel == "" {
		channel = DefaultFanoutChannel
	}
	return &Fanout{
		client:  client,
		channel: channel,
		origin:  uuid.NewString(),
		local:   local,
		logger:  logger,
	}
}

// Publish sends env to the other instances. Local delivery is not its job.
func (f *Fanout) Publish(ctx context.Context, userID string, env event.Envelope) error {
	payload, err := json.Marshal(fanoutMessage{Origin: f.origin, UserID: userID, Envelope: env})
	if err != nil {
		return fmt.Errorf("marshal fanout message: %w", err)
	}

	if err := f.client.rdb.Publish(ctx, f.channel, payload).Err(); err != nil {
		metrics.RecordFanout("out", "error")
		return fmt.Errorf("redis publish failed: %w", err)
	}
	metrics.RecordFanout("out", "ok")
	return nil
}

// Start subscribes and begins relaying remote events to the local hub.
// It returns once the subscription is confirmed.
func (f *Fanout) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pubsub != nil {
		return errors.New("fanout already started")
	}

	ps := f.client.rdb.Subscribe(ctx, f.channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}

	f.pubsub = ps
	f.done = make(chan struct{})
	go f.relay(ps.Channel(), f.done)

	f.logger.Info("fanout subscribed",
		zap.String("channel", f.channel),
		zap.String("origin", f.origin),
	)
	return nil
}

func (f *Fanout) relay(msgs <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range msgs {
		var m fanoutMessage
		if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
			metrics.RecordFanout("in", "malformed")
			f.logger.Warn("dropping malformed fanout message", zap.Error(err))
			continue
		}
		if m.Origin == f.origin {
			continue
		}
		f.local.Deliver(m.UserID, m.Envelope)
		metrics.RecordFanout("in", "ok")
	}
}

// Close ends the subscription and waits for the relay goroutine.
func (f *Fanout) Close() error {
	f.mu.Lock()
	ps, done := f.pubsub, f.done
	f.pubsub = nil
	f.mu.Unlock()

	if ps == nil {
		return nil
	}
	err := ps.Close()
	<-done
	return err
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/beacon/internal/metrics"
)

const (
	// IdempotencyTTL covers producer-supplied Idempotency-Key headers.
	IdempotencyTTL = 24 * time.Hour
	// IngestTTL covers SQS message ids; it must outlive the queue's redrive window.
	IngestTTL = 4 * 24 * time.Hour

	// processingTTL bounds how long a crashed emitter can hold a key.
	processingTTL = 5 * time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means the same key is still being processed.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult is what a completed emission leaves behind for retries.
type IdempotencyResult struct {
	NotificationIDs []string `json:"notification_ids"`
	StatusCode      int      `json:"status_code"`
	CreatedAt       int64    `json:"created_at"`
}

// IdempotencyService remembers producer results per (scope, key) so retries replay them.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

// NewIdempotencyService wraps client.
func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

// scope separates key spaces, e.g. a producer name or "ingest".
func (s *IdempotencyService) buildKey(scope, key string) string {
	return fmt.Sprintf("idempotency:%s:%s", scope, key)
}

// Check returns (nil, nil) for an unknown key, the cached result for a completed one,
// or ErrDuplicateRequest while another emitter holds it.
func (s *IdempotencyService) Check(ctx context.Context, scope, key string) (*IdempotencyResult, error) {
	val, err := s.client.rdb.Get(ctx, s.buildKey(scope, key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	if val == processingMarker {
		return nil, ErrDuplicateRequest
	}

	var result IdempotencyResult
	if err := json.Unmarshal([]byte(val), &result); err != nil {
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	metrics.RecordIdempotencyHit()
	s.logger.Debug("idempotency cache hit",
		zap.String("scope", scope),
		zap.Strings("notification_ids", result.NotificationIDs),
	)
	return &result, nil
}

// Store saves result under scope and key for ttl, replacing any reservation.
func (s *IdempotencyService) Store(ctx context.Context, scope, key string, result *IdempotencyResult, ttl time.Duration) error {
	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, s.buildKey(scope, key), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Reserve takes the key with SET NX. False means somebody else has it.
func (s *IdempotencyService) Reserve(ctx context.Context, scope, key string) (bool, error) {
	set, err := s.client.rdb.SetNX(ctx, s.buildKey(scope, key), processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// Release drops a reservation after a failed emission so a retry can run.
func (s *IdempotencyService) Release(ctx context.Context, scope, key string) error {
	if err := s.client.rdb.Del(ctx, s.buildKey(scope, key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns a cached result if one exists, otherwise reserves the key
// and returns (nil, nil).
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, scope, key string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, scope, key)
	if err != nil || result != nil {
		return result, err
	}

	reserved, err := s.Reserve(ctx, scope, key)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}

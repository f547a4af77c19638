package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	// IdempotencyTTL applies to content-derived keys and only catches
	// network retries.
	IdempotencyTTL = 5 * time.Minute
	// IdempotencyTTLExact applies to keys sent in the Idempotency-Key header.
	IdempotencyTTLExact = 24 * time.Hour

	// processingTTL bounds the lock held while a request is in flight.
	processingTTL = time.Minute

	processingMarker = "processing"
)

// ErrDuplicateRequest means the same key is being processed right now.
var ErrDuplicateRequest = errors.New("duplicate request: idempotency key already exists")

// IdempotencyResult is the cached response of a create request.
type IdempotencyResult struct {
	NotificationID string `json:"notification_id"`
	StatusCode     int    `json:"status_code"`
	Skipped        bool   `json:"skipped,omitempty"`
	Deferred       bool   `json:"deferred,omitempty"`
	Reason         string `json:"reason,omitempty"`
	CreatedAt      int64  `json:"created_at"`
}

// IdempotencyService deduplicates create requests per API client.
type IdempotencyService struct {
	client *Client
	logger *zap.Logger
}

func NewIdempotencyService(client *Client, logger *zap.Logger) *IdempotencyService {
	return &IdempotencyService{
		client: client,
		logger: logger,
	}
}

func (s *IdempotencyService) buildKey(clientID, idempotencyKey string) string {
	return fmt.Sprintf("idempotency:%s:%s", clientID, idempotencyKey)
}

// Check returns (nil, nil) for an unknown key, the cached result for a
// finished request and ErrDuplicateRequest while the key is reserved.
func (s *IdempotencyService) Check(ctx context.Context, clientID, idempotencyKey string) (*IdempotencyResult, error) {
	key := s.buildKey(clientID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
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
		s.logger.Error("failed to unmarshal idempotency result", zap.Error(err))
		return nil, fmt.Errorf("invalid cached result: %w", err)
	}

	s.logger.Debug("idempotency cache hit",
		zap.String("client_id", clientID),
		zap.String("notification_id", result.NotificationID),
	)

	return &result, nil
}

// Store saves the result of a processed request, replacing the reservation.
func (s *IdempotencyService) Store(ctx context.Context, clientID, idempotencyKey string, result *IdempotencyResult, ttl time.Duration) error {
	key := s.buildKey(clientID, idempotencyKey)

	if result.CreatedAt == 0 {
		result.CreatedAt = time.Now().Unix()
	}

	data, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}

	if err := s.client.rdb.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Reserve takes the key with SET NX. It reports false when the key exists.
func (s *IdempotencyService) Reserve(ctx context.Context, clientID, idempotencyKey string) (bool, error) {
	key := s.buildKey(clientID, idempotencyKey)

	set, err := s.client.rdb.SetNX(ctx, key, processingMarker, processingTTL).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx failed: %w", err)
	}
	return set, nil
}

// Release drops a reservation so a failed request can be retried with the
// same key. Stored results are left alone.
func (s *IdempotencyService) Release(ctx context.Context, clientID, idempotencyKey string) error {
	key := s.buildKey(clientID, idempotencyKey)

	val, err := s.client.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("redis get failed: %w", err)
	}
	if val != processingMarker {
		return nil
	}
	if err := s.client.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CheckOrReserve returns the cached result, or reserves the key and returns
// nil.
func (s *IdempotencyService) CheckOrReserve(ctx context.Context, clientID, idempotencyKey string) (*IdempotencyResult, error) {
	result, err := s.Check(ctx, clientID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if result != nil {
		return result, nil
	}

	reserved, err := s.Reserve(ctx, clientID, idempotencyKey)
	if err != nil {
		return nil, err
	}
	if !reserved {
		return nil, ErrDuplicateRequest
	}
	return nil, nil
}

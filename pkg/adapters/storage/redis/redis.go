package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/constellation/pkg/constellation"
	"github.com/aescanero/constellation/pkg/ports"
)

const keyPrefix = "constellation:state:"

// StateStorage implements ports.StateStorage using Redis
type StateStorage struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// NewStateStorage creates a new Redis state storage. A zero ttl keeps
// documents until deleted.
func NewStateStorage(client *redis.Client, ttl time.Duration, logger *zap.Logger) *StateStorage {
	return &StateStorage{
		client: client,
		logger: logger,
		ttl:    ttl,
	}
}

// Save persists a constellation document with the configured TTL
func (s *StateStorage) Save(ctx context.Context, doc *constellation.Document) error {
	key := getStateKey(doc.ID)

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal constellation: %w", err)
	}

	if err := s.client.Set(ctx, key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save constellation: %w", err)
	}

	s.logger.Debug("constellation saved",
		zap.String("constellation_id", doc.ID),
		zap.String("state", string(doc.State)))

	return nil
}

// Load retrieves a constellation document
func (s *StateStorage) Load(ctx context.Context, id string) (*constellation.Document, error) {
	data, err := s.client.Get(ctx, getStateKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, fmt.Errorf("%w: %s", ports.ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get constellation: %w", err)
	}

	var doc constellation.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal constellation: %w", err)
	}

	return &doc, nil
}

// Delete removes a constellation document
func (s *StateStorage) Delete(ctx context.Context, id string) error {
	if err := s.client.Del(ctx, getStateKey(id)).Err(); err != nil {
		return fmt.Errorf("failed to delete constellation: %w", err)
	}

	s.logger.Debug("constellation deleted",
		zap.String("constellation_id", id))

	return nil
}

// Exists checks if a constellation is stored
func (s *StateStorage) Exists(ctx context.Context, id string) (bool, error) {
	result, err := s.client.Exists(ctx, getStateKey(id)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check existence: %w", err)
	}

	return result > 0, nil
}

// SetTTL changes the time-to-live of a stored constellation
func (s *StateStorage) SetTTL(ctx context.Context, id string, ttl time.Duration) error {
	if err := s.client.Expire(ctx, getStateKey(id), ttl).Err(); err != nil {
		return fmt.Errorf("failed to set TTL: %w", err)
	}

	return nil
}

// List returns all stored constellation IDs
func (s *StateStorage) List(ctx context.Context) ([]string, error) {
	var cursor uint64
	var keys []string

	for {
		var batch []string
		var err error

		batch, cursor, err = s.client.Scan(ctx, cursor, keyPrefix+"*", 100).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan keys: %w", err)
		}

		keys = append(keys, batch...)

		if cursor == 0 {
			break
		}
	}

	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		if len(key) > len(keyPrefix) {
			ids = append(ids, key[len(keyPrefix):])
		}
	}
	sort.Strings(ids)

	return ids, nil
}

// getStateKey returns the Redis key for a constellation
func getStateKey(id string) string {
	return keyPrefix + id
}

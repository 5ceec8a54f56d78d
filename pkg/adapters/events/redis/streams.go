package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aescanero/constellation/pkg/ports"
)

// StreamForwarder mirrors bus events into one Redis stream per
// constellation so other processes can follow execution. Subscribe it to
// the in-process bus as an observer.
type StreamForwarder struct {
	client *redis.Client
	logger *zap.Logger
	maxLen int64
}

// NewStreamForwarder creates a forwarder. maxLen caps each stream
// approximately; zero keeps everything.
func NewStreamForwarder(client *redis.Client, maxLen int64, logger *zap.Logger) *StreamForwarder {
	return &StreamForwarder{
		client: client,
		logger: logger,
		maxLen: maxLen,
	}
}

// OnEvent appends the event to the constellation's stream.
func (f *StreamForwarder) OnEvent(ctx context.Context, event ports.Event) error {
	streamKey := StreamKey(event.ConstellationID)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	args := &redis.XAddArgs{
		Stream: streamKey,
		Values: map[string]interface{}{
			"type": string(event.Type),
			"data": string(data),
		},
	}
	if f.maxLen > 0 {
		args.MaxLen = f.maxLen
		args.Approx = true
	}

	if _, err := f.client.XAdd(ctx, args).Result(); err != nil {
		return fmt.Errorf("failed to add to stream: %w", err)
	}

	f.logger.Debug("event forwarded",
		zap.String("event_id", event.ID),
		zap.String("type", string(event.Type)),
		zap.String("stream", streamKey))

	return nil
}

// Tail reads a constellation's stream through a consumer group.
type Tail struct {
	client        *redis.Client
	logger        *zap.Logger
	consumerGroup string
	consumerName  string
	block         time.Duration
}

// NewTail creates a Tail for the given consumer group and name.
func NewTail(client *redis.Client, consumerGroup, consumerName string, logger *zap.Logger) *Tail {
	return &Tail{
		client:        client,
		logger:        logger,
		consumerGroup: consumerGroup,
		consumerName:  consumerName,
		block:         time.Second,
	}
}

// Follow delivers every event of the constellation's stream to observer
// until ctx is done. Messages are acknowledged once observer accepts them.
func (t *Tail) Follow(ctx context.Context, constellationID string, observer ports.Observer) error {
	streamKey := StreamKey(constellationID)

	err := t.client.XGroupCreateMkStream(ctx, streamKey, t.consumerGroup, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}

	t.logger.Info("following event stream",
		zap.String("stream", streamKey),
		zap.String("consumer_group", t.consumerGroup),
		zap.String("consumer", t.consumerName))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    t.consumerGroup,
			Consumer: t.consumerName,
			Streams:  []string{streamKey, ">"},
			Count:    10,
			Block:    t.block,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			t.logger.Error("failed to read from stream",
				zap.String("stream", streamKey),
				zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stream := range streams {
			for _, message := range stream.Messages {
				t.processMessage(ctx, streamKey, message, observer)
			}
		}
	}
}

func (t *Tail) processMessage(ctx context.Context, streamKey string, message redis.XMessage, observer ports.Observer) {
	data, ok := message.Values["data"].(string)
	if !ok {
		t.logger.Error("invalid message format",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID))
		return
	}

	var event ports.Event
	if err := json.Unmarshal([]byte(data), &event); err != nil {
		t.logger.Error("failed to unmarshal event",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := observer.OnEvent(ctx, event); err != nil {
		t.logger.Error("observer error",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
		return
	}

	if err := t.client.XAck(ctx, streamKey, t.consumerGroup, message.ID).Err(); err != nil {
		t.logger.Error("failed to acknowledge message",
			zap.String("stream", streamKey),
			zap.String("message_id", message.ID),
			zap.Error(err))
	}
}

// StreamKey returns the Redis stream key for a constellation's events.
func StreamKey(constellationID string) string {
	return fmt.Sprintf("constellation:events:%s", constellationID)
}

package feed

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultChannelPrefix = "fishmarket:feed"

var errMissingRedisClient = errors.New("feed: redis client required")

// RedisBusConfig configures a RedisBus.
type RedisBusConfig struct {
	Client        *redis.Client
	ChannelPrefix string
	BufferSize    int
	Logger        *zap.Logger
}

// RedisBus publishes events on Redis pub/sub channels so that every API instance
// sharing the database observes writes made by the others.
type RedisBus struct {
	client     *redis.Client
	prefix     string
	bufferSize int
	logger     *zap.Logger
}

// NewRedisBus constructs a bus on top of an existing client.
func NewRedisBus(cfg RedisBusConfig) (*RedisBus, error) {
	if cfg.Client == nil {
		return nil, errMissingRedisClient
	}
	prefix := strings.TrimSpace(cfg.ChannelPrefix)
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBus{
		client:     cfg.Client,
		prefix:     prefix,
		bufferSize: bufferSize,
		logger:     logger,
	}, nil
}

func (b *RedisBus) channel(topic string) string {
	return b.prefix + ":" + topic
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if event.Topic == "" {
		return nil
	}
	payload, err := encodeEvent(event)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, b.channel(event.Topic), payload).Err()
}

func (b *RedisBus) Subscribe(ctx context.Context, topic string) (<-chan Event, func()) {
	stream := make(chan Event, b.bufferSize)
	if topic == "" {
		close(stream)
		return stream, func() {}
	}
	pubsub := b.client.Subscribe(ctx, b.channel(topic))
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			if err := pubsub.Close(); err != nil {
				b.logger.Debug("redis feed close failed", zap.String("topic", topic), zap.Error(err))
			}
		})
	}
	go func() {
		defer close(stream)
		for message := range pubsub.Channel() {
			event, err := decodeEvent(message.Payload)
			if err != nil {
				b.logger.Warn("redis feed payload rejected", zap.String("topic", topic), zap.Error(err))
				continue
			}
			offer(stream, event)
		}
	}()
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return stream, cleanup
}

func encodeEvent(event Event) (string, error) {
	payload, err := json.Marshal(event)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func decodeEvent(payload string) (Event, error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return Event{}, err
	}
	if event.Topic == "" {
		return Event{}, errors.New("feed: event topic missing")
	}
	return event, nil
}

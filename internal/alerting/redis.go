package alerting

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"supply-integrity/internal/config"
)

// publisher is the part of redis.Cmdable the publisher needs.
type publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisPublisher 将告警以 JSON 形式发布到 Redis 频道。
type RedisPublisher struct {
	client  publisher
	closer  func() error
	channel string
	logger  zerolog.Logger
}

// NewRedisPublisher connects to redis and verifies the connection.
func NewRedisPublisher(ctx context.Context, cfg config.RedisConfig, logger zerolog.Logger) (*RedisPublisher, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	p := newRedisPublisher(client, cfg.Channel, logger)
	p.closer = client.Close
	return p, nil
}

func newRedisPublisher(client publisher, channel string, logger zerolog.Logger) *RedisPublisher {
	if channel == "" {
		channel = "batchguard:alerts"
	}
	return &RedisPublisher{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "alert_redis").Logger(),
	}
}

// Notify 发布告警消息。
func (p *RedisPublisher) Notify(ctx context.Context, note Notification) error {
	msg, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}
	receivers, err := p.client.Publish(ctx, p.channel, msg).Result()
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}
	p.logger.Debug().
		Str("channel", p.channel).
		Str("batch_id", note.BatchID).
		Int64("receivers", receivers).
		Msg("alert published")
	return nil
}

// Close 关闭 Redis 连接。
func (p *RedisPublisher) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

var _ Notifier = (*RedisPublisher)(nil)

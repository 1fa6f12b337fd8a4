package notifier

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fjod/go_cart/cart-session/internal/domain"
	"github.com/fjod/go_cart/cart-session/internal/logger"
	"github.com/redis/go-redis/v9"
)

const DefaultRedisChannel = "cart-updates"

// RedisSink broadcasts change events on a pub/sub channel so other open
// views of the same cart can refresh.
type RedisSink struct {
	client  *redis.Client
	channel string
	log     *logger.Logger
}

func NewRedisSink(client *redis.Client, channel string, log *logger.Logger) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	return &RedisSink{client: client, channel: channel, log: log}
}

func (s *RedisSink) Handle(ctx context.Context, e domain.ChangeEvent) error {
	raw, err := json.Marshal(newCartUpdate(s.log, e))
	if err != nil {
		return fmt.Errorf("marshal cart update: %w", err)
	}
	if err := s.client.Publish(ctx, s.channel, raw).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

package services

import (
	"context"
	"encoding/json"
	"fmt"

	"questionpool/models"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisBus carries notifications between instances so a user connected to
// any instance receives them.
type RedisBus struct {
	rdb     *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisBus(rdb *redis.Client, channel string, log *zap.Logger) *RedisBus {
	if channel == "" {
		channel = "questionpool:notifications"
	}
	return &RedisBus{
		rdb:     rdb,
		channel: channel,
		log:     log.With(zap.String("service", "RedisBus")),
	}
}

func (b *RedisBus) Publish(ctx context.Context, n *models.Notification) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, b.channel, raw).Err()
}

// StartForwarder subscribes to the channel and hands every notification to
// deliver until ctx is cancelled.
func (b *RedisBus) StartForwarder(ctx context.Context, deliver func(n *models.Notification)) error {
	if deliver == nil {
		return fmt.Errorf("deliver callback required")
	}

	sub := b.rdb.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("redis subscribe: %w", err)
	}

	go func() {
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case m, ok := <-ch:
				if !ok || m == nil {
					_ = sub.Close()
					return
				}
				var n models.Notification
				if err := json.Unmarshal([]byte(m.Payload), &n); err != nil {
					b.log.Warn("bad notification payload", zap.Error(err))
					continue
				}
				deliver(&n)
			}
		}
	}()

	return nil
}

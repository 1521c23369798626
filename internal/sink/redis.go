package sink

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"quoteflow/config"
	"quoteflow/logger"
	"quoteflow/models"
)

const defaultChannelPrefix = "quoteflow"

// Redis publishes every message on <prefix>:<event> and keeps the latest
// message per provider and symbol under <prefix>:last:<event>:<provider.symbol>.
type Redis struct {
	client *redis.Client
	prefix string
	log    *logger.Entry
}

func NewRedis(ctx context.Context, cfg config.RedisConfig) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return newRedis(client, cfg.ChannelPrefix), nil
}

func newRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = defaultChannelPrefix
	}
	return &Redis{
		client: client,
		prefix: prefix,
		log:    logger.GetLogger().WithComponent("redis_sink").WithField("prefix", prefix),
	}
}

func (r *Redis) Name() string { return "redis" }

// Channel is the pub/sub channel messages of category c are published on.
func (r *Redis) Channel(c models.Category) string {
	return r.prefix + ":" + c.Event()
}

func (r *Redis) Deliver(ctx context.Context, msg models.MarketMessage) error {
	payload, err := models.Encode(msg)
	if err != nil {
		return err
	}

	pipe := r.client.Pipeline()
	pipe.Publish(ctx, r.Channel(msg.Category()), payload)
	if msg.Category() != models.CategoryStatus {
		pipe.Set(ctx, r.prefix+":last:"+msg.Category().Event()+":"+messageKey(msg), payload, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", msg.Category().Event(), err)
	}
	return nil
}

func (r *Redis) Close() error {
	r.log.Info("closing redis client")
	return r.client.Close()
}

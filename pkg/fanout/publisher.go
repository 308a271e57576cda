package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/harunnryd/dengar/pkg/configutil"
	"github.com/harunnryd/dengar/pkg/logging"
	"github.com/harunnryd/dengar/pkg/resilience"
)

// Publisher mirrors stream events to an external bus. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, streamID string, v any) error
	Close() error
}

type Noop struct{}

func (Noop) Publish(context.Context, string, any) error { return nil }
func (Noop) Close() error                               { return nil }

type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Username   string `mapstructure:"username"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	Prefix     string `mapstructure:"prefix"`
	MaxRetries int    `mapstructure:"max_retries"`
}

var RedisSchema = configutil.Schema{
	Required: []string{"addr"},
	Optional: []string{"username", "password", "db", "prefix", "max_retries"},
}

type redisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Close() error
}

// RedisPublisher publishes JSON events on <prefix><stream_id> pub/sub channels.
type RedisPublisher struct {
	client redisClient
	prefix string
	retry  resilience.RetryPolicy
	log    *slog.Logger
}

func NewRedisPublisher(cfg RedisConfig, log *slog.Logger) (*RedisPublisher, error) {
	if err := configutil.RequireString(cfg.Addr, "fanout.settings.addr"); err != nil {
		return nil, err
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return newRedisPublisher(client, cfg, log), nil
}

func newRedisPublisher(client redisClient, cfg RedisConfig, log *slog.Logger) *RedisPublisher {
	if cfg.Prefix == "" {
		cfg.Prefix = "dengar:stream:"
	}
	return &RedisPublisher{
		client: client,
		prefix: cfg.Prefix,
		retry:  resilience.NewRetryPolicy(cfg.MaxRetries, 100*time.Millisecond),
		log:    logging.NewComponentLogger(log, "fanout_redis"),
	}
}

func (p *RedisPublisher) Channel(streamID string) string { return p.prefix + streamID }

func (p *RedisPublisher) Publish(ctx context.Context, streamID string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal fanout event: %w", err)
	}
	channel := p.Channel(streamID)
	err = p.retry.Do(ctx, func(ctx context.Context) error {
		return p.client.Publish(ctx, channel, payload).Err()
	})
	if err != nil {
		p.log.Warn("fanout_publish_failed", slog.String("channel", channel), slog.String("error", err.Error()))
		return err
	}
	return nil
}

func (p *RedisPublisher) Close() error { return p.client.Close() }

var (
	_ Publisher = Noop{}
	_ Publisher = (*RedisPublisher)(nil)
)

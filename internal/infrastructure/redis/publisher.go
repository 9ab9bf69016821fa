package redis

import (
	"context"
	"encoding/json"
	"fmt"

	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/keyhub/keyhub/internal/domain/notification"
)

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	Channel  string
}

// Publisher publishes events as JSON on a Redis pub/sub channel.
type Publisher struct {
	client  *goredis.Client
	channel string
	logger  zerolog.Logger
}

var _ notification.Publisher = (*Publisher)(nil)

// NewClient opens a client and checks the connection.
func NewClient(ctx context.Context, opts Options) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}
	return client, nil
}

func NewPublisher(client *goredis.Client, channel string, logger zerolog.Logger) *Publisher {
	if channel == "" {
		channel = "keyhub:events"
	}
	return &Publisher{
		client:  client,
		channel: channel,
		logger:  logger.With().Str("component", "redis").Str("channel", channel).Logger(),
	}
}

func (p *Publisher) Publish(ctx context.Context, ev *notification.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	receivers, err := p.client.Publish(ctx, p.channel, data).Result()
	if err != nil {
		return fmt.Errorf("publish %s: %w", ev.Type, err)
	}
	p.logger.Debug().Str("event", string(ev.Type)).Int64("receivers", receivers).Msg("event published")
	return nil
}

func (p *Publisher) Channel() string {
	return p.channel
}

func (p *Publisher) Close() error {
	return p.client.Close()
}

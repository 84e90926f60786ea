package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/models"
)

// RedisRelay publishes events on Redis pub/sub so that every instance can
// deliver them to the websocket sessions it holds.
type RedisRelay struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

func NewRedisRelay(client *redis.Client, prefix string, logger zerolog.Logger) *RedisRelay {
	return &RedisRelay{client: client, prefix: prefix, logger: logger}
}

func (r *RedisRelay) NotifyDriver(ctx context.Context, driverID string, ev models.Event) error {
	return r.publish(ctx, DriverChannel(driverID), ev)
}

func (r *RedisRelay) NotifyRide(ctx context.Context, rideID string, ev models.Event) error {
	return r.publish(ctx, RideChannel(rideID), ev)
}

func (r *RedisRelay) publish(ctx context.Context, channel string, ev models.Event) error {
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.prefix+":"+channel, b).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Run forwards relayed events into hub until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context, hub *Hub) error {
	sub := r.client.PSubscribe(ctx, r.prefix+":*")
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.prefix, err)
	}
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			var ev models.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				r.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("drop malformed relay message")
				continue
			}
			_ = hub.Publish(strings.TrimPrefix(msg.Channel, r.prefix+":"), ev)
		}
	}
}

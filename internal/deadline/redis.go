package deadline

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisScheduler stores deadlines in a sorted set scored by due time in
// milliseconds, so they survive restarts and are shared between instances.
// An entry belongs to whichever instance removes it first.
type RedisScheduler struct {
	client *redis.Client
	key    string
	poll   time.Duration
	retry  time.Duration
	batch  int64
	logger zerolog.Logger
	now    func() time.Time
}

func NewRedisScheduler(client *redis.Client, key string, poll time.Duration, logger zerolog.Logger) *RedisScheduler {
	return &RedisScheduler{
		client: client,
		key:    key,
		poll:   poll,
		retry:  defaultRetryDelay,
		batch:  100,
		logger: logger,
		now:    time.Now,
	}
}

func (s *RedisScheduler) Schedule(ctx context.Context, rideID string, at time.Time) error {
	if err := s.client.ZAdd(ctx, s.key, redis.Z{Score: float64(at.UnixMilli()), Member: rideID}).Err(); err != nil {
		return fmt.Errorf("schedule deadline %s: %w", rideID, err)
	}
	return nil
}

func (s *RedisScheduler) Cancel(ctx context.Context, rideID string) error {
	return s.client.ZRem(ctx, s.key, rideID).Err()
}

func (s *RedisScheduler) Run(ctx context.Context, h Handler) error {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.fireDue(ctx, h); err != nil && ctx.Err() == nil {
				s.logger.Error().Err(err).Msg("poll deadlines")
			}
		}
	}
}

// fireDue claims and handles every entry due by now. It returns how many
// entries this instance claimed.
func (s *RedisScheduler) fireDue(ctx context.Context, h Handler) (int, error) {
	now := s.now()
	ids, err := s.client.ZRangeByScore(ctx, s.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: s.batch,
	}).Result()
	if err != nil {
		return 0, err
	}
	claimed := 0
	for _, id := range ids {
		n, err := s.client.ZRem(ctx, s.key, id).Result()
		if err != nil {
			return claimed, err
		}
		if n == 0 {
			continue
		}
		claimed++
		if err := h(ctx, id); err != nil {
			s.logger.Warn().Err(err).Str("ride_id", id).Dur("retry_in", s.retry).Msg("deadline handler failed")
			if err := s.Schedule(ctx, id, now.Add(s.retry)); err != nil {
				return claimed, err
			}
		}
	}
	return claimed, nil
}

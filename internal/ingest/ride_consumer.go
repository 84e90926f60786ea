package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewRideReader(brokers []string, topic, group string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 1, MaxBytes: 10e6})
}

// RideConsumer feeds ride-created events into a handler. An offset is
// committed only once the handler succeeds, so delivery is at least once.
type RideConsumer struct {
	reader     MessageReader
	handle     func(ctx context.Context, rideID string) error
	logger     zerolog.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewRideConsumer(reader MessageReader, handle func(ctx context.Context, rideID string) error, logger zerolog.Logger) *RideConsumer {
	return &RideConsumer{reader: reader, handle: handle, logger: logger, backoff: time.Second, maxBackoff: 30 * time.Second}
}

func (c *RideConsumer) Run(ctx context.Context) error {
	backoff := c.backoff
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn().Err(err).Dur("backoff", backoff).Msg("kafka fetch failed")
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = minDuration(backoff*2, c.maxBackoff)
			continue
		}
		backoff = c.backoff

		var ev models.RideCreated
		if err := json.Unmarshal(m.Value, &ev); err != nil || ev.RideID == "" {
			c.logger.Warn().Err(err).Int64("offset", m.Offset).Msg("dropping malformed ride event")
		} else if !c.handleWithRetry(ctx, ev.RideID) {
			return nil
		}
		if err := c.reader.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Int64("offset", m.Offset).Msg("commit ride event")
		}
	}
}

// handleWithRetry retries until the handler succeeds. It returns false if
// ctx ended first.
func (c *RideConsumer) handleWithRetry(ctx context.Context, rideID string) bool {
	delay := c.backoff
	for {
		err := c.handle(ctx, rideID)
		if err == nil {
			return true
		}
		c.logger.Warn().Err(err).Str("ride_id", rideID).Dur("retry_in", delay).Msg("dispatch failed")
		if !sleep(ctx, delay) {
			return false
		}
		delay = minDuration(delay*2, c.maxBackoff)
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

package geo

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/observability"
)

// OnlineCounter is implemented by both Index and RedisGeo.
type OnlineCounter interface {
	OnlineCount(ctx context.Context) (int, error)
}

// ReportOnline refreshes the drivers_online gauge now and then every
// interval until ctx is done.
func ReportOnline(ctx context.Context, c OnlineCounter, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := refreshOnline(ctx, c); err != nil && ctx.Err() == nil {
			logger.Warn().Err(err).Msg("count online drivers")
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func refreshOnline(ctx context.Context, c OnlineCounter) error {
	n, err := c.OnlineCount(ctx)
	if err != nil {
		return err
	}
	observability.DriversOnline.Set(float64(n))
	return nil
}

// Package notify delivers dispatch events to drivers and requesters.
// Delivery is best-effort; clients recover missed events by polling.
package notify

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// ErrNoSession means the recipient has no reachable endpoint on a channel.
var ErrNoSession = errors.New("no session")

type Publisher interface {
	NotifyDriver(ctx context.Context, driverID string, ev models.Event) error
	NotifyRide(ctx context.Context, rideID string, ev models.Event) error
}

func DriverChannel(id string) string { return "driver:" + id }
func RideChannel(id string) string   { return "ride:" + id }

type namedPublisher struct {
	name string
	pub  Publisher
}

// Multi fans an event out to every registered channel. A recipient missing
// on one channel is not a failure.
type Multi struct {
	pubs   []namedPublisher
	logger zerolog.Logger
}

func NewMulti(logger zerolog.Logger) *Multi {
	return &Multi{logger: logger}
}

func (m *Multi) Add(name string, p Publisher) *Multi {
	m.pubs = append(m.pubs, namedPublisher{name: name, pub: p})
	return m
}

func (m *Multi) NotifyDriver(ctx context.Context, driverID string, ev models.Event) error {
	return m.each(func(p Publisher) error { return p.NotifyDriver(ctx, driverID, ev) }, "driver", driverID, ev)
}

func (m *Multi) NotifyRide(ctx context.Context, rideID string, ev models.Event) error {
	return m.each(func(p Publisher) error { return p.NotifyRide(ctx, rideID, ev) }, "ride", rideID, ev)
}

func (m *Multi) each(send func(Publisher) error, kind, id string, ev models.Event) error {
	var errs []error
	for _, np := range m.pubs {
		err := send(np.pub)
		if err == nil || errors.Is(err, ErrNoSession) {
			continue
		}
		observability.PushFailures.WithLabelValues(np.name).Inc()
		m.logger.Warn().Err(err).Str("channel", np.name).Str(kind, id).Str("event", string(ev.Type)).Msg("push failed")
		errs = append(errs, fmt.Errorf("%s: %w", np.name, err))
	}
	return errors.Join(errs...)
}

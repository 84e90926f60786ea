// Package deadline fires a callback once per ride at its broadcast deadline.
package deadline

import (
	"context"
	"time"
)

// Handler is invoked when a ride's deadline is due. A non-nil error asks the
// scheduler to try again after its retry delay.
type Handler func(ctx context.Context, rideID string) error

// Scheduler arms one timer per ride id. Scheduling an id again replaces its
// previous due time.
type Scheduler interface {
	Schedule(ctx context.Context, rideID string, at time.Time) error
	Cancel(ctx context.Context, rideID string) error
	Run(ctx context.Context, h Handler) error
}

const defaultRetryDelay = 2 * time.Second

var (
	_ Scheduler = (*TimerScheduler)(nil)
	_ Scheduler = (*RedisScheduler)(nil)
)

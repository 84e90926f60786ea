package deadline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TimerScheduler keeps deadlines in process memory. It is lost on restart,
// so it relies on recovery and the sweep to re-arm open rides.
type TimerScheduler struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
	due    chan string
	retry  time.Duration
	logger zerolog.Logger
}

func NewTimerScheduler(logger zerolog.Logger) *TimerScheduler {
	return &TimerScheduler{
		timers: make(map[string]*time.Timer),
		due:    make(chan string, 1024),
		retry:  defaultRetryDelay,
		logger: logger,
	}
}

func (s *TimerScheduler) Schedule(ctx context.Context, rideID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[rideID]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(time.Until(at), func() {
		s.mu.Lock()
		if s.timers[rideID] != t {
			s.mu.Unlock()
			return
		}
		delete(s.timers, rideID)
		s.mu.Unlock()
		s.due <- rideID
	})
	s.timers[rideID] = t
	return nil
}

func (s *TimerScheduler) Cancel(ctx context.Context, rideID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[rideID]; ok {
		t.Stop()
		delete(s.timers, rideID)
	}
	return nil
}

// Pending returns how many timers are armed.
func (s *TimerScheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *TimerScheduler) Run(ctx context.Context, h Handler) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-s.due:
			if err := h(ctx, id); err != nil {
				s.logger.Warn().Err(err).Str("ride_id", id).Dur("retry_in", s.retry).Msg("deadline handler failed")
				_ = s.Schedule(ctx, id, time.Now().Add(s.retry))
			}
		}
	}
}

// Package dispatch finds candidate drivers for a ride, offers it to all of
// them at once and settles the race to a single accepted driver before the
// ride's deadline.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	ErrNotFound       = storage.ErrNotFound
	ErrConflict       = storage.ErrConflict
	ErrExpired        = storage.ErrExpired
	ErrInvalidRequest = errors.New("invalid ride request")
)

// Locator returns online, fresh drivers within radiusKm of pickup,
// nearest first, at most max of them.
type Locator interface {
	FindCandidates(ctx context.Context, pickup models.Coord, radiusKm float64, max int) ([]models.Candidate, error)
}

// Scheduler arms the per-ride deadline.
type Scheduler interface {
	Schedule(ctx context.Context, rideID string, at time.Time) error
	Cancel(ctx context.Context, rideID string) error
}

// AcceptHook runs after a ride is accepted. Its error is logged only.
type AcceptHook func(ctx context.Context, ride models.Ride) error

type Outcome string

const (
	OutcomeBroadcast        Outcome = "broadcast"
	OutcomeNoCandidates     Outcome = "no_candidates"
	OutcomeAlreadyProcessed Outcome = "already_processed"
)

type Result struct {
	RideID        string  `json:"ride_id"`
	Outcome       Outcome `json:"outcome"`
	Notifications int     `json:"notifications"`
}

type Engine struct {
	Locator   Locator
	Store     storage.Store
	Notifier  notify.Publisher
	Deadlines Scheduler
	Config    config.DispatchConfig
	Log       zerolog.Logger
	// OnAccepted is optional.
	OnAccepted AcceptHook
	// Clock defaults to time.Now.
	Clock func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Clock != nil {
		return e.Clock()
	}
	return time.Now()
}

// RequestRide records a new ride in requested status. Its broadcast
// deadline is fixed here, at creation plus the dispatch window.
func (e *Engine) RequestRide(ctx context.Context, req models.RideRequest) (*models.Ride, error) {
	if req.RequesterID == "" {
		return nil, fmt.Errorf("%w: requester_id is required", ErrInvalidRequest)
	}
	if !req.Pickup.Valid() || !req.Dropoff.Valid() {
		return nil, fmt.Errorf("%w: invalid coordinates", ErrInvalidRequest)
	}
	now := e.now()
	r := &models.Ride{
		ID:                uuid.NewString(),
		RequesterID:       req.RequesterID,
		Pickup:            req.Pickup,
		Dropoff:           req.Dropoff,
		Status:            models.RideRequested,
		EstimatedPrice:    req.EstimatedPrice,
		CreatedAt:         now,
		BroadcastDeadline: now.Add(e.Config.Window),
		UpdatedAt:         now,
	}
	if err := e.Store.CreateRide(ctx, r); err != nil {
		return nil, err
	}
	e.Log.Info().Str("ride_id", r.ID).Str("requester_id", r.RequesterID).Time("deadline", r.BroadcastDeadline).Msg("ride requested")
	return r, nil
}

func (e *Engine) GetRide(ctx context.Context, id string) (*models.Ride, error) {
	return e.Store.GetRide(ctx, id)
}

// Dispatch runs locate, broadcast and deadline arming for one ride. It is
// safe to call repeatedly; a ride that is no longer requested or was already
// broadcast yields OutcomeAlreadyProcessed. Errors are transient and the
// trigger should be redelivered.
func (e *Engine) Dispatch(ctx context.Context, rideID string) (*Result, error) {
	log := e.Log.With().Str("ride_id", rideID).Logger()
	ride, err := e.Store.GetRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != models.RideRequested {
		return e.settled(rideID, OutcomeAlreadyProcessed, 0), nil
	}
	if ride.BroadcastAt != nil {
		// A previous run may have stopped before arming the deadline.
		if err := e.Deadlines.Schedule(ctx, ride.ID, ride.BroadcastDeadline); err != nil {
			return nil, fmt.Errorf("re-arm deadline: %w", err)
		}
		return e.settled(rideID, OutcomeAlreadyProcessed, 0), nil
	}

	cands, err := e.Locator.FindCandidates(ctx, ride.Pickup.Coord, e.Config.RadiusKm, e.Config.MaxCandidates)
	if errors.Is(err, geo.ErrInvalidCoordinate) {
		// Redelivery cannot help a pickup the locator is unable to search.
		log.Warn().Err(err).Msg("pickup not searchable")
		cands, err = nil, nil
	}
	if err != nil {
		observability.DispatchesTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("find candidates: %w", err)
	}
	observability.CandidatesFound.Observe(float64(len(cands)))

	if len(cands) == 0 {
		log.Info().Msg("no candidates; expiring ride")
		if err := e.expire(ctx, ride.ID, "no_candidates"); err != nil {
			if errors.Is(err, ErrConflict) {
				return e.settled(rideID, OutcomeAlreadyProcessed, 0), nil
			}
			return nil, err
		}
		return e.settled(rideID, OutcomeNoCandidates, 0), nil
	}

	n, err := e.Broadcast(ctx, ride, cands)
	if errors.Is(err, storage.ErrAlreadyProcessed) {
		return e.settled(rideID, OutcomeAlreadyProcessed, 0), nil
	}
	if err != nil {
		observability.DispatchesTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	observability.DispatchLatency.Observe(e.now().Sub(ride.CreatedAt).Seconds())
	return e.settled(rideID, OutcomeBroadcast, n), nil
}

func (e *Engine) settled(rideID string, o Outcome, n int) *Result {
	observability.DispatchesTotal.WithLabelValues(string(o)).Inc()
	return &Result{RideID: rideID, Outcome: o, Notifications: n}
}

// Broadcast writes one pending notification per candidate in a single batch,
// pushes each driver an offer and arms the ride's deadline.
func (e *Engine) Broadcast(ctx context.Context, ride *models.Ride, cands []models.Candidate) (int, error) {
	now := e.now()
	ns := make([]models.Notification, 0, len(cands))
	for _, c := range cands {
		ns = append(ns, models.Notification{
			ID:         uuid.NewString(),
			RideID:     ride.ID,
			DriverID:   c.DriverID,
			DistanceKm: c.DistanceKm,
			Status:     models.NotificationPending,
			CreatedAt:  now,
			Deadline:   ride.BroadcastDeadline,
		})
	}
	if err := e.Store.Broadcast(ctx, ride.ID, ns, now); err != nil {
		return 0, err
	}
	observability.NotificationsCreated.Add(float64(len(ns)))

	for _, n := range ns {
		ev := models.Event{
			Type:           models.EventNotificationCreated,
			RideID:         ride.ID,
			NotificationID: n.ID,
			DriverID:       n.DriverID,
			DistanceKm:     n.DistanceKm,
			Deadline:       n.Deadline,
			At:             now,
		}
		if err := e.Notifier.NotifyDriver(ctx, n.DriverID, ev); err != nil {
			e.Log.Debug().Err(err).Str("ride_id", ride.ID).Str("driver_id", n.DriverID).Msg("offer push not delivered")
		}
	}

	if err := e.Deadlines.Schedule(ctx, ride.ID, ride.BroadcastDeadline); err != nil {
		return len(ns), fmt.Errorf("arm deadline: %w", err)
	}
	e.Log.Info().Str("ride_id", ride.ID).Int("notifications", len(ns)).Time("deadline", ride.BroadcastDeadline).Msg("ride broadcast")
	return len(ns), nil
}

// Accept claims the ride for driverID through its notification. Exactly one
// caller per ride succeeds; the rest get ErrConflict, or ErrExpired when
// their own notification is no longer pending.
func (e *Engine) Accept(ctx context.Context, notificationID, driverID string) (*models.Ride, error) {
	now := e.now()
	res, err := e.Store.Accept(ctx, notificationID, driverID, now)
	if err != nil {
		observability.AcceptsTotal.WithLabelValues(acceptLabel(err)).Inc()
		return nil, err
	}
	observability.AcceptsTotal.WithLabelValues("accepted").Inc()
	ride := res.Ride
	log := e.Log.With().Str("ride_id", ride.ID).Str("driver_id", driverID).Logger()
	log.Info().Int("superseded", len(res.Superseded)).Msg("ride accepted")

	if err := e.Deadlines.Cancel(ctx, ride.ID); err != nil {
		log.Warn().Err(err).Msg("cancel deadline")
	}
	if err := e.Notifier.NotifyRide(ctx, ride.ID, models.Event{
		Type:           models.EventRideAccepted,
		RideID:         ride.ID,
		NotificationID: notificationID,
		DriverID:       driverID,
		At:             now,
	}); err != nil {
		log.Debug().Err(err).Msg("accept push not delivered")
	}
	e.supersede(ctx, res.Superseded, "accepted_by_other", now)

	if e.OnAccepted != nil {
		if err := e.OnAccepted(ctx, ride); err != nil {
			log.Error().Err(err).Msg("accept hook failed")
		}
	}
	return &ride, nil
}

func acceptLabel(err error) string {
	switch {
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// Decline closes the driver's own notification. Declining a notification
// that is already terminal is a no-op. The ride stays open for the others
// until its deadline.
func (e *Engine) Decline(ctx context.Context, notificationID, driverID string) error {
	n, changed, err := e.Store.Decline(ctx, notificationID, driverID, e.now())
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			observability.DeclinesTotal.WithLabelValues("not_found").Inc()
		}
		return err
	}
	if !changed {
		observability.DeclinesTotal.WithLabelValues("noop").Inc()
		return nil
	}
	observability.DeclinesTotal.WithLabelValues("declined").Inc()
	e.Log.Info().Str("ride_id", n.RideID).Str("driver_id", driverID).Msg("notification declined")
	return nil
}

// OnDeadline expires a ride that is still requested at its deadline along
// with its pending notifications. A ride already resolved is left as is and
// only its leftover pending notifications are expired.
func (e *Engine) OnDeadline(ctx context.Context, rideID string) error {
	ride, err := e.Store.GetRide(ctx, rideID)
	if errors.Is(err, ErrNotFound) {
		observability.DeadlinesTotal.WithLabelValues("not_found").Inc()
		e.Log.Warn().Str("ride_id", rideID).Msg("deadline for unknown ride")
		return nil
	}
	if err != nil {
		return err
	}
	now := e.now()
	if ride.Status == models.RideRequested && now.Before(ride.BroadcastDeadline) {
		observability.DeadlinesTotal.WithLabelValues("early").Inc()
		return e.Deadlines.Schedule(ctx, rideID, ride.BroadcastDeadline)
	}

	err = e.expire(ctx, rideID, "deadline")
	if errors.Is(err, ErrConflict) {
		observability.DeadlinesTotal.WithLabelValues("noop").Inc()
		return e.reap(ctx, rideID, "deadline")
	}
	if err != nil {
		return err
	}
	observability.DeadlinesTotal.WithLabelValues("expired").Inc()
	return nil
}

// expire moves a requested ride to expired and tells everyone involved.
func (e *Engine) expire(ctx context.Context, rideID, reason string) error {
	now := e.now()
	_, closed, err := e.Store.ExpireRide(ctx, rideID, now)
	if err != nil {
		return err
	}
	e.Log.Info().Str("ride_id", rideID).Str("reason", reason).Int("notifications", len(closed)).Msg("ride expired")
	if err := e.Notifier.NotifyRide(ctx, rideID, models.Event{Type: models.EventRideExpired, RideID: rideID, Reason: reason, At: now}); err != nil {
		e.Log.Debug().Err(err).Str("ride_id", rideID).Msg("expiry push not delivered")
	}
	e.supersede(ctx, closed, reason, now)
	return nil
}

// reap expires pending notifications left behind by a resolved ride.
func (e *Engine) reap(ctx context.Context, rideID, source string) error {
	now := e.now()
	closed, err := e.Store.ExpirePending(ctx, rideID, now)
	if err != nil {
		return err
	}
	if len(closed) > 0 {
		observability.NotificationsReaped.WithLabelValues(source).Add(float64(len(closed)))
		e.Log.Info().Str("ride_id", rideID).Str("source", source).Int("notifications", len(closed)).Msg("reaped pending notifications")
		e.supersede(ctx, closed, "ride_closed", now)
	}
	return nil
}

func (e *Engine) supersede(ctx context.Context, ns []models.Notification, reason string, now time.Time) {
	for _, n := range ns {
		ev := models.Event{
			Type:           models.EventNotificationSuperseded,
			RideID:         n.RideID,
			NotificationID: n.ID,
			DriverID:       n.DriverID,
			Reason:         reason,
			At:             now,
		}
		if err := e.Notifier.NotifyDriver(ctx, n.DriverID, ev); err != nil {
			e.Log.Debug().Err(err).Str("ride_id", n.RideID).Str("driver_id", n.DriverID).Msg("supersede push not delivered")
		}
	}
}

// CancelRide lets the requester withdraw a ride that nobody accepted yet.
// Later accepts against it fail with ErrConflict.
func (e *Engine) CancelRide(ctx context.Context, rideID, requesterID string) (*models.Ride, error) {
	now := e.now()
	ride, closed, err := e.Store.CancelRide(ctx, rideID, requesterID, now)
	if err != nil {
		return nil, err
	}
	e.Log.Info().Str("ride_id", rideID).Int("notifications", len(closed)).Msg("ride cancelled by requester")
	if err := e.Deadlines.Cancel(ctx, rideID); err != nil {
		e.Log.Warn().Err(err).Str("ride_id", rideID).Msg("cancel deadline")
	}
	if err := e.Notifier.NotifyRide(ctx, rideID, models.Event{Type: models.EventRideCancelled, RideID: rideID, At: now}); err != nil {
		e.Log.Debug().Err(err).Str("ride_id", rideID).Msg("cancel push not delivered")
	}
	e.supersede(ctx, closed, "cancelled", now)
	return ride, nil
}

// PendingForDriver lists the driver's open offers whose deadline has not passed.
func (e *Engine) PendingForDriver(ctx context.Context, driverID string) ([]models.PendingOffer, error) {
	return e.Store.PendingForDriver(ctx, driverID, e.now())
}

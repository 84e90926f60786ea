package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

// runStoreSuite exercises the Store contract against any implementation.
func runStoreSuite(t *testing.T, s Store) {
	t.Run("broadcast once", func(t *testing.T) { testBroadcastOnce(t, s) })
	t.Run("accept happy path", func(t *testing.T) { testAcceptHappyPath(t, s) })
	t.Run("accept race", func(t *testing.T) { testAcceptRace(t, s) })
	t.Run("accept errors", func(t *testing.T) { testAcceptErrors(t, s) })
	t.Run("decline idempotent", func(t *testing.T) { testDecline(t, s) })
	t.Run("expire ride", func(t *testing.T) { testExpireRide(t, s) })
	t.Run("cancel ride", func(t *testing.T) { testCancelRide(t, s) })
	t.Run("pending for driver", func(t *testing.T) { testPendingForDriver(t, s) })
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seedRide(t *testing.T, s Store) *models.Ride {
	t.Helper()
	r := &models.Ride{
		ID:                uuid.NewString(),
		RequesterID:       "rider-" + uuid.NewString()[:8],
		Pickup:            models.Place{Coord: models.Coord{Lat: 1, Lon: 2}, Address: "1 Pickup St"},
		Dropoff:           models.Place{Coord: models.Coord{Lat: 3, Lon: 4}, Address: "9 Dropoff Ave"},
		Status:            models.RideRequested,
		EstimatedPrice:    models.Money{Amount: 1250, Currency: "usd"},
		CreatedAt:         t0,
		BroadcastDeadline: t0.Add(50 * time.Second),
		UpdatedAt:         t0,
	}
	require.NoError(t, s.CreateRide(context.Background(), r))
	return r
}

func seedBroadcast(t *testing.T, s Store, r *models.Ride, drivers ...string) []models.Notification {
	t.Helper()
	ns := make([]models.Notification, len(drivers))
	for i, d := range drivers {
		ns[i] = models.Notification{
			ID:         uuid.NewString(),
			RideID:     r.ID,
			DriverID:   d,
			DistanceKm: float64(i + 1),
			Status:     models.NotificationPending,
			CreatedAt:  t0,
			Deadline:   r.BroadcastDeadline,
		}
	}
	require.NoError(t, s.Broadcast(context.Background(), r.ID, ns, t0))
	return ns
}

func statuses(t *testing.T, s Store, rideID string) map[string]models.NotificationStatus {
	t.Helper()
	ns, err := s.ListNotifications(context.Background(), rideID)
	require.NoError(t, err)
	out := make(map[string]models.NotificationStatus, len(ns))
	for _, n := range ns {
		out[n.DriverID] = n.Status
	}
	return out
}

func testBroadcastOnce(t *testing.T, s Store) {
	ctx := context.Background()
	r := seedRide(t, s)
	seedBroadcast(t, s, r, "a", "b")

	again := []models.Notification{{ID: uuid.NewString(), RideID: r.ID, DriverID: "c", Status: models.NotificationPending, CreatedAt: t0, Deadline: r.BroadcastDeadline}}
	assert.ErrorIs(t, s.Broadcast(ctx, r.ID, again, t0), ErrAlreadyProcessed)
	assert.Len(t, statuses(t, s, r.ID), 2)

	got, err := s.GetRide(ctx, r.ID)
	require.NoError(t, err)
	require.NotNil(t, got.BroadcastAt)

	assert.ErrorIs(t, s.Broadcast(ctx, uuid.NewString(), nil, t0), ErrNotFound)
}

func testAcceptHappyPath(t *testing.T, s Store) {
	ctx := context.Background()
	r := seedRide(t, s)
	ns := seedBroadcast(t, s, r, "a", "b", "c")

	res, err := s.Accept(ctx, ns[1].ID, "b", t0.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, models.RideAccepted, res.Ride.Status)
	assert.Equal(t, "b", res.Ride.DriverID)
	assert.Equal(t, models.NotificationAccepted, res.Notification.Status)
	assert.Len(t, res.Superseded, 2)

	assert.Equal(t, map[string]models.NotificationStatus{
		"a": models.NotificationExpired,
		"b": models.NotificationAccepted,
		"c": models.NotificationExpired,
	}, statuses(t, s, r.ID))

	got, err := s.GetRide(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideAccepted, got.Status)
	assert.Equal(t, "b", got.DriverID)
}

func testAcceptRace(t *testing.T, s Store) {
	ctx := context.Background()
	r := seedRide(t, s)
	drivers := []string{"d0", "d1", "d2", "d3", "d4", "d5", "d6", "d7"}
	ns := seedBroadcast(t, s, r, drivers...)

	start := make(chan struct{})
	var wg sync.WaitGroup
	errs := make(chan error, len(ns))
	winners := make(chan string, len(ns))
	for _, n := range ns {
		wg.Add(1)
		go func(n models.Notification) {
			defer wg.Done()
			<-start
			res, err := s.Accept(ctx, n.ID, n.DriverID, t0.Add(time.Second))
			if err != nil {
				errs <- err
				return
			}
			winners <- res.Ride.DriverID
		}(n)
	}
	close(start)
	wg.Wait()
	close(errs)
	close(winners)

	require.Len(t, winners, 1)
	winner := <-winners
	for err := range errs {
		assert.True(t, errors.Is(err, ErrConflict), "unexpected error: %v", err)
	}

	got, err := s.GetRide(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, winner, got.DriverID)
	accepted := 0
	for driver, st := range statuses(t, s, r.ID) {
		assert.NotEqual(t, models.NotificationPending, st)
		if st == models.NotificationAccepted {
			accepted++
			assert.Equal(t, winner, driver)
		}
	}
	assert.Equal(t, 1, accepted)
}

func testAcceptErrors(t *testing.T, s Store) {
	ctx := context.Background()
	r := seedRide(t, s)
	ns := seedBroadcast(t, s, r, "a", "b")

	_, err := s.Accept(ctx, uuid.NewString(), "a", t0)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Accept(ctx, ns[0].ID, "b", t0)
	assert.ErrorIs(t, err, ErrNotFound, "notification belongs to another driver")

	_, changed, err := s.Decline(ctx, ns[0].ID, "a", t0)
	require.NoError(t, err)
	require.True(t, changed)
	_, err = s.Accept(ctx, ns[0].ID, "a", t0)
	assert.ErrorIs(t, err, ErrExpired)

	_, err = s.Accept(ctx, ns[1].ID, "b", r.BroadcastDeadline)
	assert.ErrorIs(t, err, ErrExpired, "accept at the deadline is too late")

	got, err := s.GetRide(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RideRequested, got.Status, "failed accepts leave the ride untouched")
}

func testDecline(t *testing.T, s Store) {
	ctx := context.Background()
	r := seedRide(t, s)
	ns := seedBroadcast(t, s, r, "a")

	n, changed, err := s.Decline(ctx, ns[0].ID, "a", t0)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, models.NotificationCancelled, n.Status)

	n, changed, err = s.Decline(ctx, ns[0].ID, "a", t0)
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, models.NotificationCancelled, n.Status)

	_, _, err = s.Decline(ctx, ns[0].ID, "someone-else", t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func testExpireRide(t *testing.T, s Store) {
	ctx := context.Background()
	r := seedRide(t, s)
	seedBroadcast(t, s, r, "a", "b")

	ride, closed, err := s.ExpireRide(ctx, r.ID, r.BroadcastDeadline)
	require.NoError(t, err)
	assert.Equal(t, models.RideExpired, ride.Status)
	assert.Len(t, closed, 2)

	_, _, err = s.ExpireRide(ctx, r.ID, r.BroadcastDeadline)
	assert.ErrorIs(t, err, ErrConflict)

	left, err := s.ExpirePending(ctx, r.ID, r.BroadcastDeadline)
	require.NoError(t, err)
	assert.Empty(t, left)

	orphans, err := s.ListOrphanedRides(ctx)
	require.NoError(t, err)
	assert.NotContains(t, orphans, r.ID)
}

func testCancelRide(t *testing.T, s Store) {
	ctx := context.Background()
	r := seedRide(t, s)
	ns := seedBroadcast(t, s, r, "a", "b")

	_, _, err := s.CancelRide(ctx, r.ID, "not-the-requester", t0)
	assert.ErrorIs(t, err, ErrNotFound)

	ride, closed, err := s.CancelRide(ctx, r.ID, r.RequesterID, t0)
	require.NoError(t, err)
	assert.Equal(t, models.RideCancelled, ride.Status)
	assert.Len(t, closed, 2)
	for _, st := range statuses(t, s, r.ID) {
		assert.Equal(t, models.NotificationCancelled, st)
	}

	_, err = s.Accept(ctx, ns[0].ID, "a", t0)
	assert.ErrorIs(t, err, ErrConflict)
}

func testPendingForDriver(t *testing.T, s Store) {
	ctx := context.Background()
	driver := "pd-" + uuid.NewString()[:8]
	r1 := seedRide(t, s)
	seedBroadcast(t, s, r1, driver, "other")
	r2 := seedRide(t, s)
	ns2 := seedBroadcast(t, s, r2, driver)

	offers, err := s.PendingForDriver(ctx, driver, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, offers, 2)
	assert.Equal(t, "1 Pickup St", offers[0].PickupAddress)
	assert.Equal(t, int64(1250), offers[0].EstimatedPrice.Amount)

	_, _, err = s.Decline(ctx, ns2[0].ID, driver, t0)
	require.NoError(t, err)
	offers, err = s.PendingForDriver(ctx, driver, t0.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, offers, 1)
	assert.Equal(t, r1.ID, offers[0].RideID)

	offers, err = s.PendingForDriver(ctx, driver, r1.BroadcastDeadline)
	require.NoError(t, err)
	assert.Empty(t, offers, "offers past their deadline are hidden")
}

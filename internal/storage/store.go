package storage

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-dispatch/internal/models"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("ride no longer requested")
	ErrExpired          = errors.New("notification no longer pending")
	ErrAlreadyProcessed = errors.New("ride already broadcast")
)

// AcceptResult is what a winning accept committed: the ride, the winning
// notification and every sibling moved out of pending in the same step.
type AcceptResult struct {
	Ride         models.Ride
	Notification models.Notification
	Superseded   []models.Notification
}

// Store persists rides and notifications. Every status change is a
// conditional update on the current status; nothing is overwritten blindly.
type Store interface {
	CreateRide(ctx context.Context, r *models.Ride) error
	GetRide(ctx context.Context, id string) (*models.Ride, error)
	GetNotification(ctx context.Context, id string) (*models.Notification, error)
	ListNotifications(ctx context.Context, rideID string) ([]models.Notification, error)

	// Broadcast marks a requested ride as broadcast and inserts all of its
	// notifications atomically. ErrAlreadyProcessed when the ride is no longer
	// requested or was broadcast before.
	Broadcast(ctx context.Context, rideID string, ns []models.Notification, now time.Time) error

	// Accept moves the ride requested -> accepted and the notification
	// pending -> accepted as one step, expiring the other pending siblings.
	Accept(ctx context.Context, notificationID, driverID string, now time.Time) (*AcceptResult, error)

	// Decline moves the driver's pending notification to cancelled. The bool
	// is false when the notification was already terminal.
	Decline(ctx context.Context, notificationID, driverID string, now time.Time) (*models.Notification, bool, error)

	// ExpireRide and CancelRide move a requested ride to a terminal state and
	// return the pending notifications they closed with it.
	ExpireRide(ctx context.Context, rideID string, now time.Time) (*models.Ride, []models.Notification, error)
	CancelRide(ctx context.Context, rideID, requesterID string, now time.Time) (*models.Ride, []models.Notification, error)

	// ExpirePending expires leftover pending notifications of a ride that has
	// already left requested. Rides still requested are untouched.
	ExpirePending(ctx context.Context, rideID string, now time.Time) ([]models.Notification, error)

	PendingForDriver(ctx context.Context, driverID string, now time.Time) ([]models.PendingOffer, error)

	// ListOpenRides returns broadcast rides still waiting for an accept.
	ListOpenRides(ctx context.Context) ([]models.Ride, error)
	// ListOverdueRides returns ids of requested rides whose deadline passed.
	ListOverdueRides(ctx context.Context, now time.Time) ([]string, error)
	// ListOrphanedRides returns ids of resolved rides that still have pending notifications.
	ListOrphanedRides(ctx context.Context) ([]string, error)
}

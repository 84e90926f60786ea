package models

import (
	"math"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Valid reports whether c is a usable WGS84 coordinate pair.
func (c Coord) Valid() bool {
	if math.IsNaN(c.Lat) || math.IsNaN(c.Lon) {
		return false
	}
	return c.Lat >= -90 && c.Lat <= 90 && c.Lon >= -180 && c.Lon <= 180
}

type Place struct {
	Coord
	Address string `json:"address,omitempty"`
}

type Money struct {
	Amount   int64  `json:"amount"` // minor units
	Currency string `json:"currency"`
}

type RideStatus string

const (
	RideRequested  RideStatus = "requested"
	RideAccepted   RideStatus = "accepted"
	RideInProgress RideStatus = "in_progress"
	RideCompleted  RideStatus = "completed"
	RideCancelled  RideStatus = "cancelled"
	RideExpired    RideStatus = "expired"
)

type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationAccepted  NotificationStatus = "accepted"
	NotificationExpired   NotificationStatus = "expired"
	NotificationCancelled NotificationStatus = "cancelled"
)

// Terminal reports whether the notification can no longer change.
func (s NotificationStatus) Terminal() bool { return s != NotificationPending }

type RideRequest struct {
	RequesterID    string `json:"requester_id"`
	Pickup         Place  `json:"pickup"`
	Dropoff        Place  `json:"dropoff"`
	EstimatedPrice Money  `json:"estimated_price"`
}

type Ride struct {
	ID                string     `json:"id"`
	RequesterID       string     `json:"requester_id"`
	DriverID          string     `json:"driver_id,omitempty"`
	Pickup            Place      `json:"pickup"`
	Dropoff           Place      `json:"dropoff"`
	Status            RideStatus `json:"status"`
	EstimatedPrice    Money      `json:"estimated_price"`
	CreatedAt         time.Time  `json:"created_at"`
	BroadcastDeadline time.Time  `json:"broadcast_deadline"`
	BroadcastAt       *time.Time `json:"broadcast_at,omitempty"`
	AcceptedAt        *time.Time `json:"accepted_at,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

type Notification struct {
	ID          string             `json:"id"`
	RideID      string             `json:"ride_id"`
	DriverID    string             `json:"driver_id"`
	DistanceKm  float64            `json:"distance_km"`
	Status      NotificationStatus `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	Deadline    time.Time          `json:"deadline"`
	RespondedAt *time.Time         `json:"responded_at,omitempty"`
}

// DriverLocation is the live position record a driver client upserts.
type DriverLocation struct {
	DriverID  string    `json:"driver_id"`
	Loc       Coord     `json:"loc"`
	Online    bool      `json:"online"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Candidate is a driver eligible for a ride, with its distance to the pickup.
type Candidate struct {
	DriverID   string  `json:"driver_id"`
	DistanceKm float64 `json:"distance_km"`
}

// PendingOffer is a driver-facing projection of a pending notification.
type PendingOffer struct {
	NotificationID string    `json:"notification_id"`
	RideID         string    `json:"ride_id"`
	DistanceKm     float64   `json:"distance_km"`
	Deadline       time.Time `json:"deadline"`
	PickupAddress  string    `json:"pickup_address"`
	DropoffAddress string    `json:"dropoff_address"`
	Pickup         Coord     `json:"pickup"`
	Dropoff        Coord     `json:"dropoff"`
	EstimatedPrice Money     `json:"estimated_price"`
}

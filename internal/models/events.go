package models

import "time"

type EventType string

const (
	EventNotificationCreated    EventType = "notification_created"
	EventNotificationSuperseded EventType = "notification_superseded"
	EventRideAccepted           EventType = "ride_accepted"
	EventRideExpired            EventType = "ride_expired"
	EventRideCancelled          EventType = "ride_cancelled"
)

// Event is the payload pushed over realtime channels. Fields not relevant
// to a given Type are left empty.
type Event struct {
	Type           EventType `json:"type"`
	RideID         string    `json:"ride_id"`
	NotificationID string    `json:"notification_id,omitempty"`
	DriverID       string    `json:"driver_id,omitempty"`
	DistanceKm     float64   `json:"distance_km,omitempty"`
	Deadline       time.Time `json:"deadline,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	At             time.Time `json:"at"`
}

// RideCreated is the message carried on the ride events topic.
type RideCreated struct {
	RideID    string    `json:"ride_id"`
	CreatedAt time.Time `json:"created_at"`
}

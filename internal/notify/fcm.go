package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"github.com/redis/go-redis/v9"
	"google.golang.org/api/option"

	"github.com/example/ride-dispatch/internal/models"
)

// Sender is the part of the FCM client used here; *messaging.Client satisfies it.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// TokenStore maps drivers to their device registration token.
type TokenStore interface {
	Token(ctx context.Context, driverID string) (string, error)
	SetToken(ctx context.Context, driverID, token string) error
}

// NewFirebaseSender builds an FCM client. An empty credentialsFile falls back
// to application default credentials.
func NewFirebaseSender(ctx context.Context, projectID, credentialsFile string) (*messaging.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: projectID}, opts...)
	if err != nil {
		return nil, fmt.Errorf("firebase.NewApp: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("firebase app.Messaging: %w", err)
	}
	return client, nil
}

// FCM pushes events to driver devices by token and to requesters through a
// per-ride topic the rider app subscribes to.
type FCM struct {
	sender Sender
	tokens TokenStore
}

func NewFCM(sender Sender, tokens TokenStore) *FCM {
	return &FCM{sender: sender, tokens: tokens}
}

func RideTopic(rideID string) string { return "ride-" + rideID }

func (f *FCM) NotifyDriver(ctx context.Context, driverID string, ev models.Event) error {
	token, err := f.tokens.Token(ctx, driverID)
	if err != nil {
		return fmt.Errorf("lookup push token: %w", err)
	}
	if token == "" {
		return ErrNoSession
	}
	msg := &messaging.Message{
		Token:   token,
		Data:    eventData(ev),
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	if ev.Type == models.EventNotificationCreated {
		msg.Notification = &messaging.Notification{
			Title: "New ride request",
			Body:  fmt.Sprintf("Pickup %.1f km away", ev.DistanceKm),
		}
	}
	if _, err := f.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending FCM to driver %s: %w", driverID, err)
	}
	return nil
}

func (f *FCM) NotifyRide(ctx context.Context, rideID string, ev models.Event) error {
	msg := &messaging.Message{
		Topic:   RideTopic(rideID),
		Data:    eventData(ev),
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	if _, err := f.sender.Send(ctx, msg); err != nil {
		return fmt.Errorf("sending FCM to ride %s: %w", rideID, err)
	}
	return nil
}

// eventData flattens an event into FCM's string-only data payload.
func eventData(ev models.Event) map[string]string {
	d := map[string]string{
		"type":    string(ev.Type),
		"ride_id": ev.RideID,
		"at":      ev.At.Format(time.RFC3339Nano),
	}
	if ev.NotificationID != "" {
		d["notification_id"] = ev.NotificationID
	}
	if ev.DriverID != "" {
		d["driver_id"] = ev.DriverID
	}
	if ev.DistanceKm != 0 {
		d["distance_km"] = strconv.FormatFloat(ev.DistanceKm, 'f', 3, 64)
	}
	if !ev.Deadline.IsZero() {
		d["deadline"] = ev.Deadline.Format(time.RFC3339Nano)
	}
	if ev.Reason != "" {
		d["reason"] = ev.Reason
	}
	return d
}

// RedisTokens keeps push tokens in one Redis hash keyed by driver id.
type RedisTokens struct {
	client *redis.Client
	key    string
}

func NewRedisTokens(client *redis.Client, key string) *RedisTokens {
	return &RedisTokens{client: client, key: key}
}

func (r *RedisTokens) Token(ctx context.Context, driverID string) (string, error) {
	tok, err := r.client.HGet(ctx, r.key, driverID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return tok, err
}

func (r *RedisTokens) SetToken(ctx context.Context, driverID, token string) error {
	return r.client.HSet(ctx, r.key, driverID, token).Err()
}

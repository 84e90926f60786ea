package payments

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// StripeClient places manual-capture PaymentIntents, i.e. holds, for the
// estimated fare of accepted rides.
type StripeClient struct {
	newIntent func(*stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	logger    zerolog.Logger
}

// NewStripeClient sets the process-wide stripe key.
func NewStripeClient(apiKey string, logger zerolog.Logger) *StripeClient {
	stripe.Key = apiKey
	return &StripeClient{newIntent: paymentintent.New, logger: logger}
}

// Hold creates a PaymentIntent with capture_method=manual and returns its id.
// The idempotency key makes a retried hold for the same ride a no-op.
func (s *StripeClient) Hold(ctx context.Context, ride models.Ride) (string, error) {
	if ride.EstimatedPrice.Amount <= 0 || ride.EstimatedPrice.Currency == "" {
		return "", errors.New("ride has no estimated price")
	}
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(ride.EstimatedPrice.Amount),
		Currency:      stripe.String(ride.EstimatedPrice.Currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	params.Context = ctx
	params.SetIdempotencyKey("ride-hold-" + ride.ID)
	params.AddMetadata("ride_id", ride.ID)
	params.AddMetadata("requester_id", ride.RequesterID)
	params.AddMetadata("driver_id", ride.DriverID)
	pi, err := s.newIntent(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// HoldOnAccept is the dispatch accept hook: it holds the fare and records
// the outcome.
func (s *StripeClient) HoldOnAccept(ctx context.Context, ride models.Ride) error {
	id, err := s.Hold(ctx, ride)
	if err != nil {
		observability.PaymentHolds.WithLabelValues("error").Inc()
		return err
	}
	observability.PaymentHolds.WithLabelValues("held").Inc()
	s.logger.Info().Str("ride_id", ride.ID).Str("payment_intent", id).Msg("fare held")
	return nil
}

package billing

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient drives the PaymentIntent flow for emergency transports: a
// manual-capture hold when an ambulance is assigned, settled or released
// when the trip reaches a terminal state.
type StripeClient struct{}

// NewStripeClient reads STRIPE_API_KEY from the environment; the key is
// process-global in stripe-go.
func NewStripeClient() *StripeClient {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeClient{}
}

// Hold authorizes amount against the patient without capturing it and
// returns the PaymentIntent id.
func (s *StripeClient) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(amount),
		Currency:      stripe.String(currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return "", err
	}
	return pi.ID, nil
}

// Capture settles a held PaymentIntent after the transport completes.
func (s *StripeClient) Capture(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCaptureParams{Params: stripe.Params{Context: ctx}}
	_, err := paymentintent.Capture(paymentIntentID, params)
	return err
}

// Cancel releases a hold for a cancelled transport.
func (s *StripeClient) Cancel(ctx context.Context, paymentIntentID string) error {
	params := &stripe.PaymentIntentCancelParams{Params: stripe.Params{Context: ctx}}
	_, err := paymentintent.Cancel(paymentIntentID, params)
	return err
}

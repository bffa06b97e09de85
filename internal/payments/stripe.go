package payments

import (
	"context"
	"math"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient holds a fare at acceptance and captures or cancels it when
// the ride resolves. PaymentIntents use manual capture so no money moves
// until the trip completes; the intent ID is remembered per ride request.
type StripeClient struct {
	currency string

	mu      sync.Mutex
	intents map[string]string // requestID -> PaymentIntent ID
}

func NewStripeClient(apiKey, currency string) *StripeClient {
	stripe.Key = apiKey
	if currency == "" {
		currency = "usd"
	}
	return &StripeClient{currency: currency, intents: make(map[string]string)}
}

// HoldFare creates a manual-capture PaymentIntent for the estimated fare.
func (s *StripeClient) HoldFare(ctx context.Context, requestID, riderID string, amount float64) error {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(toMinorUnits(amount)),
		Currency:      stripe.String(s.currency),
		CaptureMethod: stripe.String(string(stripe.PaymentIntentCaptureMethodManual)),
	}
	if riderID != "" {
		params.Customer = stripe.String(riderID)
	}
	pi, err := paymentintent.New(params)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.intents[requestID] = pi.ID
	s.mu.Unlock()
	return nil
}

// CaptureFare finalizes the hold for a completed trip.
func (s *StripeClient) CaptureFare(ctx context.Context, requestID string) error {
	id, ok := s.take(requestID)
	if !ok {
		return nil
	}
	_, err := paymentintent.Capture(id, nil)
	return err
}

// ReleaseFare cancels the hold for a cancelled ride.
func (s *StripeClient) ReleaseFare(ctx context.Context, requestID string) error {
	id, ok := s.take(requestID)
	if !ok {
		return nil
	}
	_, err := paymentintent.Cancel(id, nil)
	return err
}

func (s *StripeClient) take(requestID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.intents[requestID]
	if ok {
		delete(s.intents, requestID)
	}
	return id, ok
}

func toMinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

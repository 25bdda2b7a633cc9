package payments

import (
	"context"
	"os"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeSettlement is the boundary adapter to the payment collaborator. The
// checkout system creates a manual-capture PaymentIntent before the ride
// reaches the coordinator; we only finalize or release that hold when the
// ride reaches a terminal state.
type StripeSettlement struct{}

// NewStripeSettlement initializes the stripe client with the STRIPE_API_KEY
// env var.
func NewStripeSettlement() *StripeSettlement {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeSettlement{}
}

// Capture finalizes the fare hold after a completed delivery.
func (s *StripeSettlement) Capture(ctx context.Context, paymentRef string) error {
	_, err := paymentintent.Capture(paymentRef, nil)
	return err
}

// Release drops the hold when the ride is cancelled or expires unserved.
func (s *StripeSettlement) Release(ctx context.Context, paymentRef string) error {
	_, err := paymentintent.Cancel(paymentRef, nil)
	return err
}

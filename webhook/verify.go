package webhook

import (
	"fmt"
	"strings"
	"time"

	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/chartable"
)

// Verifier checks the Stripe-Signature header against the raw payload.
type Verifier struct {
	secret    string
	tolerance time.Duration
}

// NewVerifier creates a Verifier. A non-positive tolerance uses Stripe's
// default of five minutes.
func NewVerifier(secret string, tolerance time.Duration) *Verifier {
	if tolerance <= 0 {
		tolerance = stripewebhook.DefaultTolerance
	}
	return &Verifier{secret: secret, tolerance: tolerance}
}

// Verify returns ErrMissingSignature for an empty header and
// ErrInvalidSignature for anything that does not verify, including
// timestamps outside the tolerance window.
func (v *Verifier) Verify(payload []byte, header string) error {
	if strings.TrimSpace(header) == "" {
		return chartable.ErrMissingSignature
	}
	if err := stripewebhook.ValidatePayloadWithTolerance(payload, header, v.secret, v.tolerance); err != nil {
		return fmt.Errorf("%w: %w", chartable.ErrInvalidSignature, err)
	}
	return nil
}

// Package credit holds the ledger's write model: a Grant asks for a balance
// increment tied to one provider event, and a ProcessedEvent is the durable
// record that the event has been applied.
package credit

import (
	"time"

	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/types"
)

// ProviderStripe is the provider name recorded for Stripe deliveries.
const ProviderStripe = "stripe"

// Grant is a request to credit a user exactly once for a provider event.
type Grant struct {
	// EventID is the provider-assigned event identifier and the idempotency key.
	EventID string
	UserID  id.UserID
	Amount  types.Credits

	// Reconciliation context, stored on the ProcessedEvent.
	Tier      string
	SessionID string
	Provider  string
}

// ProcessedEvent records that a provider event has been applied.
type ProcessedEvent struct {
	EventID      string        `json:"eventId"`
	UserID       id.UserID     `json:"userId"`
	Amount       types.Credits `json:"amount"`
	Tier         string        `json:"tier,omitempty"`
	SessionID    string        `json:"sessionId,omitempty"`
	Provider     string        `json:"provider,omitempty"`
	BalanceAfter types.Credits `json:"balanceAfter"`
	AppliedAt    time.Time     `json:"appliedAt"`
}

// NewProcessedEvent builds the record written alongside the increment.
func NewProcessedEvent(g Grant, balanceAfter types.Credits) *ProcessedEvent {
	return &ProcessedEvent{
		EventID:      g.EventID,
		UserID:       g.UserID,
		Amount:       g.Amount,
		Tier:         g.Tier,
		SessionID:    g.SessionID,
		Provider:     g.Provider,
		BalanceAfter: balanceAfter,
		AppliedAt:    time.Now().UTC(),
	}
}

// Result is the outcome of an idempotent credit.
type Result struct {
	// Balance is the user's balance after the call. For a duplicate event it
	// is the balance observed at the time of the call.
	Balance types.Credits `json:"balance"`

	// Applied is false when the event had already been applied earlier.
	Applied bool `json:"applied"`
}

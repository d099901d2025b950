package webhook

import (
	"context"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"

	"github.com/xraph/chartable"
	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/types"
)

// MetadataTierKey is the checkout session metadata key naming the tier.
const MetadataTierKey = "tier"

// PurchasedItem is one line item of a checkout session.
type PurchasedItem struct {
	PriceID   string
	LookupKey string
	Quantity  int64
}

// LineItemSource lists what a checkout session sold.
type LineItemSource interface {
	LineItems(ctx context.Context, sessionID string) ([]PurchasedItem, error)
}

// StripeLineItems reads line items through the Stripe API.
type StripeLineItems struct {
	client *stripe.Client
}

// NewStripeLineItems creates a source authenticated with secretKey.
func NewStripeLineItems(secretKey string, opts ...stripe.ClientOption) *StripeLineItems {
	return &StripeLineItems{client: stripe.NewClient(secretKey, opts...)}
}

// LineItems implements LineItemSource.
func (s *StripeLineItems) LineItems(ctx context.Context, sessionID string) ([]PurchasedItem, error) {
	params := &stripe.CheckoutSessionListLineItemsParams{Session: stripe.String(sessionID)}
	params.Limit = stripe.Int64(100)

	var items []PurchasedItem
	for li, err := range s.client.V1CheckoutSessions.ListLineItems(ctx, params) {
		if err != nil {
			return nil, fmt.Errorf("%w: list line items for %s: %w", chartable.ErrProviderUnavailable, sessionID, err)
		}
		item := PurchasedItem{Quantity: li.Quantity}
		if li.Price != nil {
			item.PriceID = li.Price.ID
			item.LookupKey = li.Price.LookupKey
		}
		items = append(items, item)
	}
	return items, nil
}

// resolveCredits turns a checkout into a credit amount using only the tier
// table. It returns the amount and the tier keys that matched.
func resolveCredits(ctx context.Context, tiers credit.TierTable, items LineItemSource, ev *CheckoutCompleted) (types.Credits, string, error) {
	if tier := strings.TrimSpace(ev.Metadata[MetadataTierKey]); tier != "" {
		amount, ok := tiers.Lookup(tier)
		if !ok {
			return 0, tier, fmt.Errorf("%w: metadata tier %q", chartable.ErrUnknownTier, tier)
		}
		return amount, tier, nil
	}

	if items == nil {
		return 0, "", fmt.Errorf("%w: session %s has no tier metadata", chartable.ErrUnknownTier, ev.SessionID)
	}

	purchased, err := items.LineItems(ctx, ev.SessionID)
	if err != nil {
		return 0, "", err
	}
	if len(purchased) == 0 {
		return 0, "", fmt.Errorf("%w: session %s has no line items", chartable.ErrUnknownTier, ev.SessionID)
	}

	var (
		total types.Credits
		keys  []string
	)
	for _, item := range purchased {
		key, amount, ok := lookupItem(tiers, item)
		if !ok {
			return 0, "", fmt.Errorf("%w: price %q", chartable.ErrUnknownTier, item.PriceID)
		}
		qty := item.Quantity
		if qty < 1 {
			qty = 1
		}
		line, err := amount.Multiply(qty)
		if err == nil {
			total, err = total.Add(line)
		}
		if err != nil {
			return 0, "", fmt.Errorf("%w: session %s: %w", chartable.ErrInvalidAmount, ev.SessionID, err)
		}
		keys = append(keys, key)
	}
	return total, strings.Join(keys, ","), nil
}

func lookupItem(tiers credit.TierTable, item PurchasedItem) (string, types.Credits, bool) {
	if amount, ok := tiers.Lookup(item.PriceID); ok && item.PriceID != "" {
		return item.PriceID, amount, true
	}
	if amount, ok := tiers.Lookup(item.LookupKey); ok && item.LookupKey != "" {
		return item.LookupKey, amount, true
	}
	return "", 0, false
}

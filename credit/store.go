package credit

import "context"

// Store applies grants. ApplyCreditOnce must increment the balance and
// record the event as one atomic unit: either both are committed or
// neither is. A grant whose EventID is already recorded returns the
// current balance with Applied set to false and changes nothing.
type Store interface {
	ApplyCreditOnce(ctx context.Context, g Grant) (*Result, error)
	GetProcessedEvent(ctx context.Context, eventID string) (*ProcessedEvent, error)
}

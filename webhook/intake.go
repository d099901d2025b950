// Package webhook turns signed Stripe deliveries into idempotent credit
// grants. A delivery is verified before it is parsed, only checkout
// completions act, and every credit goes through Engine.ApplyCreditOnce
// keyed by the Stripe event id.
package webhook

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/xraph/chartable"
	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/plugin"
	"github.com/xraph/chartable/types"
)

// Ledger is the part of the engine the intake needs.
type Ledger interface {
	ResolveReference(reference string) (id.UserID, error)
	ProcessedEvent(ctx context.Context, eventID string) (*credit.ProcessedEvent, error)
	Balance(ctx context.Context, userID id.UserID) (types.Credits, error)
	ApplyCreditOnce(ctx context.Context, g credit.Grant) (*credit.Result, error)
}

// Action is what the intake did with an acknowledged delivery.
type Action string

const (
	ActionCredited  Action = "credited"  // balance incremented
	ActionDuplicate Action = "duplicate" // event already applied
	ActionIgnored   Action = "ignored"   // event type carries no credit
	ActionDeferred  Action = "deferred"  // checkout completed, payment pending
)

// Outcome describes an acknowledged delivery.
type Outcome struct {
	EventID   string
	EventType string
	Action    Action
	UserID    id.UserID
	Amount    types.Credits
	Balance   types.Credits
}

// Intake handles webhook deliveries.
type Intake struct {
	ledger    Ledger
	verifier  *Verifier
	tiers     credit.TierTable
	lineItems LineItemSource
	plugins   *plugin.Registry
	logger    *slog.Logger
}

// Option configures an Intake.
type Option func(*Intake)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(in *Intake) { in.logger = logger }
}

// WithPlugins emits webhook hooks through r.
func WithPlugins(r *plugin.Registry) Option {
	return func(in *Intake) { in.plugins = r }
}

// WithLineItems enables tier lookup from session line items when the
// session carries no tier metadata.
func WithLineItems(src LineItemSource) Option {
	return func(in *Intake) { in.lineItems = src }
}

// WithTolerance overrides the signature timestamp tolerance. Non-positive
// values keep the default.
func WithTolerance(d time.Duration) Option {
	return func(in *Intake) {
		if d > 0 {
			in.verifier.tolerance = d
		}
	}
}

// New creates an Intake verifying deliveries with secret.
func New(ledger Ledger, secret string, tiers credit.TierTable, opts ...Option) *Intake {
	in := &Intake{
		ledger:   ledger,
		verifier: NewVerifier(secret, 0),
		tiers:    tiers,
		plugins:  plugin.NewRegistry(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

const (
	traceScope        = "github.com/xraph/chartable/webhook"
	traceSpanDelivery = "chartable.webhook.delivery"

	traceAttrEventID   = "chartable.event_id"
	traceAttrEventType = "chartable.event_type"
	traceAttrAction    = "chartable.action"
	traceAttrReason    = "chartable.reject_reason"
)

// HandleDelivery verifies, parses and applies one delivery. A nil error
// means the delivery should be acknowledged with 200, including ignored
// and duplicate events.
func (in *Intake) HandleDelivery(ctx context.Context, payload []byte, signatureHeader string) (*Outcome, error) {
	ctx, span := otel.Tracer(traceScope).Start(ctx, traceSpanDelivery, trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	out, err := in.handle(ctx, payload, signatureHeader)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String(traceAttrReason, RejectReason(err)))
		return nil, err
	}
	span.SetAttributes(
		attribute.String(traceAttrEventID, out.EventID),
		attribute.String(traceAttrEventType, out.EventType),
		attribute.String(traceAttrAction, string(out.Action)),
	)
	span.SetStatus(codes.Ok, "")
	return out, nil
}

func (in *Intake) handle(ctx context.Context, payload []byte, signatureHeader string) (*Outcome, error) {
	if err := in.verifier.Verify(payload, signatureHeader); err != nil {
		return nil, in.reject(ctx, "", err)
	}

	ev, err := Parse(payload)
	if err != nil {
		return nil, in.reject(ctx, "", err)
	}
	in.plugins.EmitWebhookReceived(ctx, ev.EventID(), ev.EventType())

	out := &Outcome{EventID: ev.EventID(), EventType: ev.EventType()}

	checkout, ok := ev.(*CheckoutCompleted)
	if !ok {
		out.Action = ActionIgnored
		in.logger.Debug("webhook ignored", "event_id", out.EventID, "event_type", out.EventType)
		return out, nil
	}

	if checkout.ReferenceID == "" {
		return nil, in.reject(ctx, checkout.ID, chartable.ErrMissingReference)
	}

	if !checkout.Paid() {
		out.Action = ActionDeferred
		in.logger.Info("checkout awaiting payment",
			"event_id", checkout.ID,
			"session_id", checkout.SessionID,
			"payment_status", string(checkout.PaymentStatus),
		)
		return out, nil
	}

	userID, err := in.ledger.ResolveReference(checkout.ReferenceID)
	if err != nil {
		return nil, in.reject(ctx, checkout.ID, err, "reference_id", checkout.ReferenceID)
	}

	// Redeliveries are answered from the processed record before tiers resolve.
	if dup, err := in.duplicate(ctx, checkout.ID, out); err != nil {
		return nil, in.reject(ctx, checkout.ID, err, "reference_id", checkout.ReferenceID)
	} else if dup {
		return out, nil
	}

	amount, tier, err := resolveCredits(ctx, in.tiers, in.lineItems, checkout)
	if err != nil {
		return nil, in.reject(ctx, checkout.ID, err,
			"reference_id", checkout.ReferenceID,
			"session_id", checkout.SessionID,
		)
	}

	res, err := in.ledger.ApplyCreditOnce(ctx, credit.Grant{
		EventID:   checkout.ID,
		UserID:    userID,
		Amount:    amount,
		Tier:      tier,
		SessionID: checkout.SessionID,
		Provider:  credit.ProviderStripe,
	})
	if err != nil {
		return nil, in.reject(ctx, checkout.ID, err,
			"reference_id", checkout.ReferenceID,
			"session_id", checkout.SessionID,
		)
	}

	out.UserID = userID
	out.Amount = amount
	out.Balance = res.Balance
	out.Action = ActionCredited
	if !res.Applied {
		out.Action = ActionDuplicate
	}
	return out, nil
}

// duplicate reports whether eventID was already applied and, if so, fills
// out from the processed record and the current balance.
func (in *Intake) duplicate(ctx context.Context, eventID string, out *Outcome) (bool, error) {
	rec, err := in.ledger.ProcessedEvent(ctx, eventID)
	if errors.Is(err, chartable.ErrEventNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	balance, err := in.ledger.Balance(ctx, rec.UserID)
	if err != nil {
		return false, err
	}
	out.UserID = rec.UserID
	out.Amount = rec.Amount
	out.Balance = balance
	out.Action = ActionDuplicate

	in.logger.Info("duplicate event skipped",
		"event_id", eventID,
		"user_id", rec.UserID.String(),
		"balance", balance.Int64(),
	)
	in.plugins.EmitCreditDuplicate(ctx, eventID, rec.UserID)
	return true, nil
}

// reject logs a refused delivery, emits the hook and returns err.
func (in *Intake) reject(ctx context.Context, eventID string, err error, kv ...any) error {
	reason := RejectReason(err)
	attrs := append([]any{"event_id", eventID, "reason", reason, "error", err}, kv...)

	if chartable.IsClientError(err) || chartable.IsNotFound(err) {
		in.logger.Warn("webhook rejected", attrs...)
	} else {
		in.logger.Error("webhook failed", attrs...)
	}
	in.plugins.EmitWebhookRejected(ctx, reason, err)
	return err
}

// RejectReason maps an intake error to a short label for logs and metrics.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, chartable.ErrMissingSignature):
		return "missing_signature"
	case errors.Is(err, chartable.ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, chartable.ErrMalformedPayload):
		return "malformed_payload"
	case errors.Is(err, chartable.ErrMissingReference):
		return "missing_reference"
	case errors.Is(err, chartable.ErrUserNotFound):
		return "unknown_user"
	case errors.Is(err, chartable.ErrUnknownTier):
		return "unknown_tier"
	case errors.Is(err, chartable.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, chartable.ErrProviderUnavailable):
		return "provider_unavailable"
	case errors.Is(err, chartable.ErrStorageUnavailable):
		return "storage_unavailable"
	default:
		return "unexpected"
	}
}

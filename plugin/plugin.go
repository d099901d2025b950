// Package plugin provides an extensible plugin system for Chartable.
// Plugins hook into webhook intake, credit application and project
// history to add audit trails, metrics or notifications without touching
// the core ledger.
package plugin

import (
	"context"

	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/project"
)

// Plugin is the base interface that all plugins must implement.
type Plugin interface {
	Name() string
}

// ──────────────────────────────────────────────────
// Lifecycle hooks
// ──────────────────────────────────────────────────

// OnInit is called when the engine starts.
type OnInit interface {
	Plugin
	OnInit(ctx context.Context, engine any) error
}

// OnShutdown is called when the engine stops.
type OnShutdown interface {
	Plugin
	OnShutdown(ctx context.Context) error
}

// ──────────────────────────────────────────────────
// Webhook hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived is called after a delivery passes signature
// verification and parses into a known event shape.
type OnWebhookReceived interface {
	Plugin
	OnWebhookReceived(ctx context.Context, eventID, eventType string) error
}

// OnWebhookRejected is called when a delivery is refused. Reason is a
// short machine-readable label such as "missing_signature".
type OnWebhookRejected interface {
	Plugin
	OnWebhookRejected(ctx context.Context, reason string, err error) error
}

// ──────────────────────────────────────────────────
// Credit hooks
// ──────────────────────────────────────────────────

// OnCreditApplied is called after a grant is committed.
type OnCreditApplied interface {
	Plugin
	OnCreditApplied(ctx context.Context, event *credit.ProcessedEvent) error
}

// OnCreditDuplicate is called when a grant is skipped because its event
// was already applied.
type OnCreditDuplicate interface {
	Plugin
	OnCreditDuplicate(ctx context.Context, eventID string, userID id.UserID) error
}

// OnCreditFailed is called when a grant could not be applied.
type OnCreditFailed interface {
	Plugin
	OnCreditFailed(ctx context.Context, grant credit.Grant, err error) error
}

// ──────────────────────────────────────────────────
// Project hooks
// ──────────────────────────────────────────────────

// OnHistoryAppended is called after a history entry is stored.
type OnHistoryAppended interface {
	Plugin
	OnHistoryAppended(ctx context.Context, projectID id.ProjectID, entry *project.HistoryEntry) error
}

// Package audithook bridges Chartable ledger events to an audit trail
// backend. Recorder is defined locally; callers inject an adapter for
// their audit sink at wiring time, or use NewLogRecorder to write audit
// events through slog.
package audithook

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/plugin"
	"github.com/xraph/chartable/project"
)

// Compile-time interface checks.
var (
	_ plugin.Plugin            = (*Extension)(nil)
	_ plugin.OnWebhookReceived = (*Extension)(nil)
	_ plugin.OnWebhookRejected = (*Extension)(nil)
	_ plugin.OnCreditApplied   = (*Extension)(nil)
	_ plugin.OnCreditDuplicate = (*Extension)(nil)
	_ plugin.OnCreditFailed    = (*Extension)(nil)
	_ plugin.OnHistoryAppended = (*Extension)(nil)
)

// Recorder is the interface that audit backends must implement.
type Recorder interface {
	Record(ctx context.Context, event *AuditEvent) error
}

// AuditEvent is one entry in the audit trail.
type AuditEvent struct {
	Action     string         `json:"action"`
	Resource   string         `json:"resource"`
	Category   string         `json:"category"`
	ResourceID string         `json:"resource_id,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Outcome    string         `json:"outcome"`
	Severity   string         `json:"severity"`
	Reason     string         `json:"reason,omitempty"`
}

// RecorderFunc is an adapter to use a plain function as a Recorder.
type RecorderFunc func(ctx context.Context, event *AuditEvent) error

// Record implements Recorder.
func (f RecorderFunc) Record(ctx context.Context, event *AuditEvent) error {
	return f(ctx, event)
}

// NewLogRecorder writes each audit event as one structured log line.
func NewLogRecorder(logger *slog.Logger) Recorder {
	return RecorderFunc(func(ctx context.Context, event *AuditEvent) error {
		level := slog.LevelInfo
		switch event.Severity {
		case SeverityWarning:
			level = slog.LevelWarn
		case SeverityError, SeverityCritical:
			level = slog.LevelError
		}
		logger.Log(ctx, level, "audit",
			"action", event.Action,
			"resource", event.Resource,
			"resource_id", event.ResourceID,
			"category", event.Category,
			"outcome", event.Outcome,
			"reason", event.Reason,
			"metadata", event.Metadata,
		)
		return nil
	})
}

// Extension bridges Chartable events to an audit trail backend.
type Extension struct {
	recorder Recorder
	enabled  map[string]bool // nil = all enabled
	logger   *slog.Logger
}

// New creates an Extension that emits audit events through the provided Recorder.
func New(r Recorder, opts ...Option) *Extension {
	e := &Extension{
		recorder: r,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name implements plugin.Plugin.
func (e *Extension) Name() string { return "audit-hook" }

// ──────────────────────────────────────────────────
// Webhook hooks
// ──────────────────────────────────────────────────

// OnWebhookReceived implements plugin.OnWebhookReceived.
func (e *Extension) OnWebhookReceived(ctx context.Context, eventID, eventType string) error {
	return e.record(ctx, ActionWebhookReceived, SeverityInfo, OutcomeSuccess,
		ResourceWebhook, eventID, CategoryIntegration, nil,
		"event_type", eventType,
	)
}

// OnWebhookRejected implements plugin.OnWebhookRejected. Signature
// failures are warnings: they are either misconfiguration or forgery.
func (e *Extension) OnWebhookRejected(ctx context.Context, reason string, cause error) error {
	severity := SeverityInfo
	if reason == "invalid_signature" || reason == "missing_signature" {
		severity = SeverityWarning
	}
	return e.record(ctx, ActionWebhookRejected, severity, OutcomeFailure,
		ResourceWebhook, "", CategoryIntegration, cause,
		"reason", reason,
	)
}

// ──────────────────────────────────────────────────
// Credit hooks
// ──────────────────────────────────────────────────

// OnCreditApplied implements plugin.OnCreditApplied.
func (e *Extension) OnCreditApplied(ctx context.Context, ev *credit.ProcessedEvent) error {
	return e.record(ctx, ActionCreditApplied, SeverityInfo, OutcomeSuccess,
		ResourceCredit, ev.EventID, CategoryPayment, nil,
		"user_id", ev.UserID.String(),
		"amount", ev.Amount.Int64(),
		"balance_after", ev.BalanceAfter.Int64(),
		"tier", ev.Tier,
		"session_id", ev.SessionID,
	)
}

// OnCreditDuplicate implements plugin.OnCreditDuplicate.
func (e *Extension) OnCreditDuplicate(ctx context.Context, eventID string, userID id.UserID) error {
	return e.record(ctx, ActionCreditDuplicate, SeverityInfo, OutcomeSkipped,
		ResourceCredit, eventID, CategoryPayment, nil,
		"user_id", userID.String(),
	)
}

// OnCreditFailed implements plugin.OnCreditFailed.
func (e *Extension) OnCreditFailed(ctx context.Context, g credit.Grant, cause error) error {
	return e.record(ctx, ActionCreditFailed, SeverityError, OutcomeFailure,
		ResourceCredit, g.EventID, CategoryPayment, cause,
		"user_id", g.UserID.String(),
		"amount", g.Amount.Int64(),
	)
}

// ──────────────────────────────────────────────────
// Project hooks
// ──────────────────────────────────────────────────

// OnHistoryAppended implements plugin.OnHistoryAppended.
func (e *Extension) OnHistoryAppended(ctx context.Context, projectID id.ProjectID, entry *project.HistoryEntry) error {
	return e.record(ctx, ActionHistoryAppended, SeverityInfo, OutcomeSuccess,
		ResourceProject, projectID.String(), CategoryContent, nil,
		"history_id", entry.ID.String(),
		"update_type", string(entry.UpdateType),
	)
}

// record builds and sends an audit event if the action is enabled.
func (e *Extension) record(
	ctx context.Context,
	action, severity, outcome string,
	resource, resourceID, category string,
	err error,
	kvPairs ...any,
) error {
	if e.enabled != nil && !e.enabled[action] {
		return nil
	}

	meta := make(map[string]any, len(kvPairs)/2+1)
	for i := 0; i+1 < len(kvPairs); i += 2 {
		key, ok := kvPairs[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", kvPairs[i])
		}
		meta[key] = kvPairs[i+1]
	}

	var reason string
	if err != nil {
		reason = err.Error()
		meta["error"] = err.Error()
	}

	evt := &AuditEvent{
		Action:     action,
		Resource:   resource,
		Category:   category,
		ResourceID: resourceID,
		Metadata:   meta,
		Outcome:    outcome,
		Severity:   severity,
		Reason:     reason,
	}

	if recErr := e.recorder.Record(ctx, evt); recErr != nil {
		e.logger.Warn("audithook: failed to record audit event",
			"action", action,
			"resource_id", resourceID,
			"error", recErr,
		)
	}
	return nil
}

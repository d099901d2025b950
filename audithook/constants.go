package audithook

// Action constants for audit events.
const (
	// Webhook actions
	ActionWebhookReceived = "webhook.received"
	ActionWebhookRejected = "webhook.rejected"

	// Credit actions
	ActionCreditApplied   = "credit.applied"
	ActionCreditDuplicate = "credit.duplicate"
	ActionCreditFailed    = "credit.failed"

	// Project actions
	ActionHistoryAppended = "project.history_appended"
)

// Resource constants for audit events.
const (
	ResourceWebhook = "webhook"
	ResourceCredit  = "credit"
	ResourceProject = "project"
)

// Category constants for audit events.
const (
	CategoryPayment     = "payment"
	CategoryIntegration = "integration"
	CategoryContent     = "content"
)

// Severity levels for audit events.
const (
	SeverityInfo     = "info"
	SeverityWarning  = "warning"
	SeverityError    = "error"
	SeverityCritical = "critical"
)

// Outcome values for audit events.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeSkipped = "skipped"
)

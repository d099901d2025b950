package chartable

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/diagram"
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/plugin"
	"github.com/xraph/chartable/project"
	"github.com/xraph/chartable/store"
	"github.com/xraph/chartable/types"
	"github.com/xraph/chartable/user"
)

// Engine is the credit ledger and project service.
type Engine struct {
	store   store.Store
	plugins *plugin.Registry
	logger  *slog.Logger
}

// New creates a new Engine instance.
func New(s store.Store, opts ...Option) *Engine {
	e := &Engine{
		store:   s,
		plugins: plugin.NewRegistry(),
		logger:  slog.Default(),
	}

	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Option configures an Engine instance.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
		e.plugins.WithLogger(logger)
	}
}

// WithPlugin registers a plugin.
func WithPlugin(p plugin.Plugin) Option {
	return func(e *Engine) {
		if err := e.plugins.Register(p); err != nil {
			e.logger.Warn("plugin registration skipped", "plugin", p.Name(), "error", err)
		}
	}
}

// WithPluginTimeout bounds each plugin hook call.
func WithPluginTimeout(d time.Duration) Option {
	return func(e *Engine) {
		e.plugins.WithTimeout(d)
	}
}

// Start migrates the store and initializes plugins.
func (e *Engine) Start(ctx context.Context) error {
	if err := e.store.Migrate(ctx); err != nil {
		return storageError("migrate", err)
	}

	e.plugins.EmitInit(ctx, e)

	e.logger.Info("chartable started", "plugins", e.plugins.Count())
	return nil
}

// Stop notifies plugins and closes the store.
func (e *Engine) Stop(ctx context.Context) error {
	e.plugins.EmitShutdown(ctx)
	return e.store.Close()
}

// Ping reports whether the store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	return storageError("ping", e.store.Ping(ctx))
}

// Plugins returns the registry so other components can emit hooks.
func (e *Engine) Plugins() *plugin.Registry {
	return e.plugins
}

// ──────────────────────────────────────────────────
// Credit Ledger
// ──────────────────────────────────────────────────

// ApplyCreditOnce adds g.Amount to the user's balance unless g.EventID has
// already been applied. Redelivering the same event any number of times,
// sequentially or concurrently, leaves the balance incremented exactly once.
func (e *Engine) ApplyCreditOnce(ctx context.Context, g credit.Grant) (*credit.Result, error) {
	g.EventID = strings.TrimSpace(g.EventID)
	if g.EventID == "" {
		return nil, ValidationError{Field: "event_id", Message: "required"}
	}
	if !g.Amount.IsPositive() {
		return nil, ErrInvalidAmount
	}
	if g.UserID.IsNil() {
		return nil, ErrUserNotFound
	}

	res, err := e.store.ApplyCreditOnce(ctx, g)
	if err != nil {
		err = storageError("apply credit", err)
		e.logger.Error("credit failed",
			"event_id", g.EventID,
			"user_id", g.UserID.String(),
			"amount", g.Amount.Int64(),
			"error", err,
		)
		e.plugins.EmitCreditFailed(ctx, g, err)
		return nil, err
	}

	if !res.Applied {
		e.logger.Info("duplicate event skipped",
			"event_id", g.EventID,
			"user_id", g.UserID.String(),
			"balance", res.Balance.Int64(),
		)
		e.plugins.EmitCreditDuplicate(ctx, g.EventID, g.UserID)
		return res, nil
	}

	e.logger.Info("credit applied",
		"event_id", g.EventID,
		"user_id", g.UserID.String(),
		"amount", g.Amount.Int64(),
		"balance", res.Balance.Int64(),
	)
	e.plugins.EmitCreditApplied(ctx, credit.NewProcessedEvent(g, res.Balance))
	return res, nil
}

// Balance returns the user's current credit balance.
func (e *Engine) Balance(ctx context.Context, userID id.UserID) (types.Credits, error) {
	u, err := e.User(ctx, userID)
	if err != nil {
		return 0, err
	}
	return u.CreditBalance, nil
}

// ProcessedEvent returns the record written when eventID was applied.
func (e *Engine) ProcessedEvent(ctx context.Context, eventID string) (*credit.ProcessedEvent, error) {
	rec, err := e.store.GetProcessedEvent(ctx, eventID)
	return rec, storageError("get processed event", err)
}

// ──────────────────────────────────────────────────
// Identity Resolution
// ──────────────────────────────────────────────────

// ResolveBySubject maps a verified session subject to the user it belongs to.
func (e *Engine) ResolveBySubject(ctx context.Context, subject string) (*user.User, error) {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return nil, ErrUnauthorized
	}
	u, err := e.store.GetUserByExternalAuthID(ctx, subject)
	if err != nil {
		return nil, storageError("resolve subject", err)
	}
	return u, nil
}

// ResolveReference maps the client reference carried through checkout back
// to a user id. A reference that is not a user id names no user.
func (e *Engine) ResolveReference(reference string) (id.UserID, error) {
	uid, err := id.ParseUserID(strings.TrimSpace(reference))
	if err != nil {
		return id.Nil, errors.Join(ErrUserNotFound, err)
	}
	return uid, nil
}

// CreateUser registers a user. The balance always starts at zero.
func (e *Engine) CreateUser(ctx context.Context, u *user.User) error {
	if strings.TrimSpace(u.ExternalAuthID) == "" {
		return ValidationError{Field: "external_auth_id", Message: "required"}
	}
	if u.ID.IsNil() {
		u.ID = id.NewUserID()
	}
	u.Entity = types.NewEntity()
	u.CreditBalance = 0

	return storageError("create user", e.store.CreateUser(ctx, u))
}

// User returns a user by id.
func (e *Engine) User(ctx context.Context, userID id.UserID) (*user.User, error) {
	u, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return nil, storageError("get user", err)
	}
	return u, nil
}

// ──────────────────────────────────────────────────
// Projects and Diagrams
// ──────────────────────────────────────────────────

// CreateProject creates a project owned by p.UserID.
func (e *Engine) CreateProject(ctx context.Context, p *project.Project) error {
	if p.UserID.IsNil() {
		return ValidationError{Field: "user_id", Message: "required"}
	}
	if p.ID.IsNil() {
		p.ID = id.NewProjectID()
	}
	p.Entity = types.NewEntity()
	if p.History == nil {
		p.History = []project.HistoryEntry{}
	}

	return storageError("create project", e.store.CreateProject(ctx, p))
}

// GetProject returns a project owned by ownerID.
func (e *Engine) GetProject(ctx context.Context, projectID id.ProjectID, ownerID id.UserID) (*project.Project, error) {
	p, err := e.store.GetProject(ctx, projectID, ownerID)
	if err != nil {
		return nil, storageError("get project", err)
	}
	return p, nil
}

// AppendHistory records a new version at the head of the project's
// history. The project's current diagram is left unchanged.
func (e *Engine) AppendHistory(ctx context.Context, projectID id.ProjectID, ownerID id.UserID, entry *project.HistoryEntry) error {
	if entry.Diagram == "" {
		return ValidationError{Field: "diagram", Message: "required"}
	}
	if !entry.UpdateType.Valid() {
		return ValidationError{Field: "updateType", Message: "must be one of chat, code, reversion"}
	}
	if entry.ID.IsNil() {
		entry.ID = id.NewHistoryID()
	}
	entry.UpdatedAt = time.Now().UTC()

	if err := e.store.PrependHistory(ctx, projectID, ownerID, entry); err != nil {
		return storageError("append history", err)
	}

	e.logger.Debug("history appended",
		"project_id", projectID.String(),
		"history_id", entry.ID.String(),
		"update_type", string(entry.UpdateType),
	)
	e.plugins.EmitHistoryAppended(ctx, projectID, entry)
	return nil
}

// CreateDiagram stores a generated diagram.
func (e *Engine) CreateDiagram(ctx context.Context, d *diagram.Diagram) error {
	if d.ID.IsNil() {
		d.ID = id.NewDiagramID()
	}
	d.Entity = types.NewEntity()
	return storageError("create diagram", e.store.CreateDiagram(ctx, d))
}

// GetDiagram returns a diagram by id.
func (e *Engine) GetDiagram(ctx context.Context, diagramID id.DiagramID) (*diagram.Diagram, error) {
	d, err := e.store.GetDiagram(ctx, diagramID)
	if err != nil {
		return nil, storageError("get diagram", err)
	}
	return d, nil
}

package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/project"
)

// DefaultTimeout bounds a single hook call.
const DefaultTimeout = 5 * time.Second

// Registry manages registered plugins and dispatches hooks to them. Each
// hook keeps its own type-cached slice so dispatch never type-asserts.
type Registry struct {
	mu      sync.RWMutex
	plugins []Plugin
	logger  *slog.Logger
	timeout time.Duration

	onInit            []OnInit
	onShutdown        []OnShutdown
	onWebhookReceived []OnWebhookReceived
	onWebhookRejected []OnWebhookRejected
	onCreditApplied   []OnCreditApplied
	onCreditDuplicate []OnCreditDuplicate
	onCreditFailed    []OnCreditFailed
	onHistoryAppended []OnHistoryAppended
}

// NewRegistry creates an empty plugin registry.
func NewRegistry() *Registry {
	return &Registry{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
}

// WithLogger sets the logger for the registry.
func (r *Registry) WithLogger(logger *slog.Logger) *Registry {
	r.logger = logger
	return r
}

// WithTimeout overrides the per-hook timeout.
func (r *Registry) WithTimeout(d time.Duration) *Registry {
	if d > 0 {
		r.timeout = d
	}
	return r
}

// Register adds a plugin to the registry and caches its hooks.
func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.Name() == p.Name() {
			return fmt.Errorf("plugin: duplicate registration: %s", p.Name())
		}
	}

	r.plugins = append(r.plugins, p)

	var hooks []string
	if v, ok := p.(OnInit); ok {
		r.onInit = append(r.onInit, v)
		hooks = append(hooks, "OnInit")
	}
	if v, ok := p.(OnShutdown); ok {
		r.onShutdown = append(r.onShutdown, v)
		hooks = append(hooks, "OnShutdown")
	}
	if v, ok := p.(OnWebhookReceived); ok {
		r.onWebhookReceived = append(r.onWebhookReceived, v)
		hooks = append(hooks, "OnWebhookReceived")
	}
	if v, ok := p.(OnWebhookRejected); ok {
		r.onWebhookRejected = append(r.onWebhookRejected, v)
		hooks = append(hooks, "OnWebhookRejected")
	}
	if v, ok := p.(OnCreditApplied); ok {
		r.onCreditApplied = append(r.onCreditApplied, v)
		hooks = append(hooks, "OnCreditApplied")
	}
	if v, ok := p.(OnCreditDuplicate); ok {
		r.onCreditDuplicate = append(r.onCreditDuplicate, v)
		hooks = append(hooks, "OnCreditDuplicate")
	}
	if v, ok := p.(OnCreditFailed); ok {
		r.onCreditFailed = append(r.onCreditFailed, v)
		hooks = append(hooks, "OnCreditFailed")
	}
	if v, ok := p.(OnHistoryAppended); ok {
		r.onHistoryAppended = append(r.onHistoryAppended, v)
		hooks = append(hooks, "OnHistoryAppended")
	}

	r.logger.Info("plugin registered",
		"name", p.Name(),
		"hooks", hooks,
	)

	return nil
}

// Get returns a plugin by name, or nil.
func (r *Registry) Get(name string) Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, p := range r.plugins {
		if p.Name() == name {
			return p
		}
	}
	return nil
}

// List returns all registered plugins in registration order.
func (r *Registry) List() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Plugin, len(r.plugins))
	copy(result, r.plugins)
	return result
}

// Count returns the number of registered plugins.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// ──────────────────────────────────────────────────
// Event emission methods
// ──────────────────────────────────────────────────

// EmitInit calls OnInit for all plugins that implement it.
func (r *Registry) EmitInit(ctx context.Context, engine any) {
	r.mu.RLock()
	plugins := r.onInit
	r.mu.RUnlock()

	dispatch(ctx, r, "OnInit", plugins, func(p OnInit) error {
		return p.OnInit(ctx, engine)
	})
}

// EmitShutdown calls OnShutdown for all plugins that implement it.
func (r *Registry) EmitShutdown(ctx context.Context) {
	r.mu.RLock()
	plugins := r.onShutdown
	r.mu.RUnlock()

	dispatch(ctx, r, "OnShutdown", plugins, func(p OnShutdown) error {
		return p.OnShutdown(ctx)
	})
}

// EmitWebhookReceived emits a verified webhook delivery.
func (r *Registry) EmitWebhookReceived(ctx context.Context, eventID, eventType string) {
	r.mu.RLock()
	plugins := r.onWebhookReceived
	r.mu.RUnlock()

	dispatch(ctx, r, "OnWebhookReceived", plugins, func(p OnWebhookReceived) error {
		return p.OnWebhookReceived(ctx, eventID, eventType)
	})
}

// EmitWebhookRejected emits a refused webhook delivery.
func (r *Registry) EmitWebhookRejected(ctx context.Context, reason string, cause error) {
	r.mu.RLock()
	plugins := r.onWebhookRejected
	r.mu.RUnlock()

	dispatch(ctx, r, "OnWebhookRejected", plugins, func(p OnWebhookRejected) error {
		return p.OnWebhookRejected(ctx, reason, cause)
	})
}

// EmitCreditApplied emits a committed grant.
func (r *Registry) EmitCreditApplied(ctx context.Context, event *credit.ProcessedEvent) {
	r.mu.RLock()
	plugins := r.onCreditApplied
	r.mu.RUnlock()

	dispatch(ctx, r, "OnCreditApplied", plugins, func(p OnCreditApplied) error {
		return p.OnCreditApplied(ctx, event)
	})
}

// EmitCreditDuplicate emits a grant skipped as already applied.
func (r *Registry) EmitCreditDuplicate(ctx context.Context, eventID string, userID id.UserID) {
	r.mu.RLock()
	plugins := r.onCreditDuplicate
	r.mu.RUnlock()

	dispatch(ctx, r, "OnCreditDuplicate", plugins, func(p OnCreditDuplicate) error {
		return p.OnCreditDuplicate(ctx, eventID, userID)
	})
}

// EmitCreditFailed emits a grant that could not be applied.
func (r *Registry) EmitCreditFailed(ctx context.Context, grant credit.Grant, cause error) {
	r.mu.RLock()
	plugins := r.onCreditFailed
	r.mu.RUnlock()

	dispatch(ctx, r, "OnCreditFailed", plugins, func(p OnCreditFailed) error {
		return p.OnCreditFailed(ctx, grant, cause)
	})
}

// EmitHistoryAppended emits a stored history entry.
func (r *Registry) EmitHistoryAppended(ctx context.Context, projectID id.ProjectID, entry *project.HistoryEntry) {
	r.mu.RLock()
	plugins := r.onHistoryAppended
	r.mu.RUnlock()

	dispatch(ctx, r, "OnHistoryAppended", plugins, func(p OnHistoryAppended) error {
		return p.OnHistoryAppended(ctx, projectID, entry)
	})
}

// dispatch runs fn for each plugin, logging failures. A failing or slow
// plugin never fails the operation that emitted the hook.
func dispatch[T Plugin](ctx context.Context, r *Registry, hook string, plugins []T, fn func(T) error) {
	for _, p := range plugins {
		if err := r.callWithTimeout(ctx, p.Name(), func() error {
			return fn(p)
		}); err != nil {
			r.logger.Warn("plugin "+hook+" failed",
				"plugin", p.Name(),
				"error", err,
			)
		}
	}
}

// callWithTimeout calls a plugin function with a timeout.
func (r *Registry) callWithTimeout(ctx context.Context, pluginName string, fn func() error) error {
	done := make(chan error, 1)

	go func() {
		done <- fn()
	}()

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		return fmt.Errorf("plugin timeout: %s", pluginName)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Package httpapi exposes the Chartable engine over HTTP: the Stripe
// webhook endpoint, the authenticated project, diagram and credit routes,
// and health and metrics endpoints.
package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/xraph/chartable/auth"
	"github.com/xraph/chartable/diagram"
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/project"
	"github.com/xraph/chartable/user"
	"github.com/xraph/chartable/webhook"
)

// DefaultMaxWebhookBytes bounds a webhook body. Stripe events are far
// smaller.
const DefaultMaxWebhookBytes = 1 << 20

// DefaultMaxRequestBytes bounds a JSON request body. History entries may
// carry a rendered diagram image.
const DefaultMaxRequestBytes = 8 << 20

// Service is the engine surface the HTTP layer calls.
type Service interface {
	Ping(ctx context.Context) error
	ResolveBySubject(ctx context.Context, subject string) (*user.User, error)
	GetDiagram(ctx context.Context, diagramID id.DiagramID) (*diagram.Diagram, error)
	GetProject(ctx context.Context, projectID id.ProjectID, ownerID id.UserID) (*project.Project, error)
	AppendHistory(ctx context.Context, projectID id.ProjectID, ownerID id.UserID, entry *project.HistoryEntry) error
}

// Deliveries handles raw webhook deliveries.
type Deliveries interface {
	HandleDelivery(ctx context.Context, payload []byte, signatureHeader string) (*webhook.Outcome, error)
}

// TokenVerifier validates a bearer token.
type TokenVerifier interface {
	Verify(raw string) (auth.Claims, error)
}

// RequestObserver records request latency.
type RequestObserver interface {
	ObserveRequest(method, route string, status int, elapsed time.Duration)
	Handler() http.Handler
}

// Handler serves the HTTP API.
type Handler struct {
	svc      Service
	webhooks Deliveries
	tokens   TokenVerifier
	metrics  RequestObserver
	logger   *slog.Logger
	maxBody  int64
	maxJSON  int64
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handler) { h.logger = logger }
}

// WithMetrics records request latency and serves /metrics.
func WithMetrics(m RequestObserver) Option {
	return func(h *Handler) { h.metrics = m }
}

// WithMaxWebhookBytes overrides DefaultMaxWebhookBytes.
func WithMaxWebhookBytes(n int64) Option {
	return func(h *Handler) { h.maxBody = n }
}

// WithMaxRequestBytes overrides DefaultMaxRequestBytes. Non-positive values
// keep the default.
func WithMaxRequestBytes(n int64) Option {
	return func(h *Handler) {
		if n > 0 {
			h.maxJSON = n
		}
	}
}

// NewHandler creates a Handler.
func NewHandler(svc Service, webhooks Deliveries, tokens TokenVerifier, opts ...Option) *Handler {
	h := &Handler{
		svc:      svc,
		webhooks: webhooks,
		tokens:   tokens,
		logger:   slog.Default(),
		maxBody:  DefaultMaxWebhookBytes,
		maxJSON:  DefaultMaxRequestBytes,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// NewRouter registers the routes and middleware stack.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(h.recoverMiddleware)
	r.Use(h.loggingMiddleware)

	r.Get("/healthz", h.healthz)
	r.Get("/readyz", h.readyz)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/webhooks/stripe", h.stripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware)
			r.Get("/credits", h.credits)
			r.Get("/diagrams/{id}", h.getDiagram)
			r.Get("/projects/{id}", h.getProject)
			r.Post("/projects/{id}/history", h.appendHistory)
		})
	})

	return r
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/xraph/chartable"
	"github.com/xraph/chartable/audithook"
	"github.com/xraph/chartable/auth"
	"github.com/xraph/chartable/config"
	"github.com/xraph/chartable/httpapi"
	"github.com/xraph/chartable/observability"
	"github.com/xraph/chartable/store"
	"github.com/xraph/chartable/store/memory"
	"github.com/xraph/chartable/store/mongo"
	"github.com/xraph/chartable/store/postgres"
	"github.com/xraph/chartable/store/sqlite"
	"github.com/xraph/chartable/user"
	"github.com/xraph/chartable/webhook"
)

// app is a fully wired service.
type app struct {
	engine  *chartable.Engine
	handler http.Handler
	logger  *slog.Logger
}

// openStore connects the backend named by cfg.Store.Driver.
func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory:
		return memory.New(), nil
	case config.DriverMongo:
		return mongo.Connect(ctx, cfg.DSN, cfg.Database)
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.DSN)
	case config.DriverSQLite:
		return sqlite.Open(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func newTokenVerifier(cfg config.AuthConfig) (*auth.Verifier, error) {
	opts := []auth.Option{
		auth.WithIssuer(cfg.Issuer),
		auth.WithAudience(cfg.Audience),
		auth.WithLeeway(cfg.Leeway),
	}
	if cfg.PublicKeyPEM != "" {
		return auth.NewRSAVerifier(cfg.PublicKeyPEM, opts...)
	}
	return auth.NewHMACVerifier(cfg.HMACSecret, opts...)
}

// buildApp wires the engine, plugins, webhook intake and router. The
// engine is started, so callers must Stop it.
func buildApp(ctx context.Context, cfg config.Config, st store.Store, logger *slog.Logger) (*app, error) {
	tiers, err := cfg.TierTable()
	if err != nil {
		return nil, err
	}
	tokens, err := newTokenVerifier(cfg.Auth)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetricsExtension(reg)

	eng := chartable.New(st,
		chartable.WithLogger(logger),
		chartable.WithPlugin(metrics),
		chartable.WithPlugin(audithook.New(audithook.NewLogRecorder(logger), audithook.WithLogger(logger))),
	)
	if err := eng.Start(ctx); err != nil {
		return nil, err
	}
	if err := seedUsers(ctx, eng, cfg.SeedUsers, logger); err != nil {
		_ = eng.Stop(ctx)
		return nil, err
	}

	intakeOpts := []webhook.Option{
		webhook.WithLogger(logger),
		webhook.WithPlugins(eng.Plugins()),
		webhook.WithTolerance(cfg.Stripe.Tolerance),
	}
	if cfg.Stripe.LineItemLookup {
		intakeOpts = append(intakeOpts, webhook.WithLineItems(webhook.NewStripeLineItems(cfg.Stripe.SecretKey)))
	}
	intake := webhook.New(eng, cfg.Stripe.WebhookSecret, tiers, intakeOpts...)

	h := httpapi.NewHandler(eng, intake, tokens,
		httpapi.WithLogger(logger),
		httpapi.WithMetrics(metrics),
		httpapi.WithMaxWebhookBytes(cfg.Server.MaxWebhookBytes),
		httpapi.WithMaxRequestBytes(cfg.Server.MaxRequestBytes),
	)

	return &app{engine: eng, handler: httpapi.NewRouter(h), logger: logger}, nil
}

func seedUsers(ctx context.Context, eng *chartable.Engine, seeds []config.SeedUser, logger *slog.Logger) error {
	for _, s := range seeds {
		u, err := eng.ResolveBySubject(ctx, s.Subject)
		if err == nil {
			logger.Info("seed user present", "subject", s.Subject, "user_id", u.ID.String())
			continue
		}
		if !errors.Is(err, chartable.ErrUserNotFound) {
			return err
		}
		u = &user.User{ExternalAuthID: s.Subject, Email: s.Email}
		if err := eng.CreateUser(ctx, u); err != nil {
			return fmt.Errorf("seed user %q: %w", s.Subject, err)
		}
		logger.Info("seed user created", "subject", s.Subject, "user_id", u.ID.String())
	}
	return nil
}

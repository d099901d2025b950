package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"github.com/xraph/chartable/config"
	"github.com/xraph/chartable/types"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Stripe.SecretKey = "sk_test_unused"
	cfg.Stripe.WebhookSecret = "whsec_app_test"
	cfg.Stripe.LineItemLookup = false
	cfg.Auth.HMACSecret = "dev"
	cfg.Tiers = []config.TierConfig{{Key: "starter", Credits: 5000}}
	cfg.SeedUsers = []config.SeedUser{{Subject: "user_local", Email: "local@example.com"}}
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildAppServesWebhook(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	st, err := openStore(ctx, cfg.Store)
	require.NoError(t, err)
	a, err := buildApp(ctx, cfg, st, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.engine.Stop(ctx) })

	u, err := a.engine.ResolveBySubject(ctx, "user_local")
	require.NoError(t, err, "seed user should exist")

	srv := httptest.NewServer(a.handler)
	t.Cleanup(srv.Close)

	payload, err := json.Marshal(map[string]any{
		"id":   "evt_app_1",
		"type": "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{
			"id":                  "cs_app_1",
			"object":              "checkout.session",
			"client_reference_id": u.ID.String(),
			"payment_status":      "paid",
			"metadata":            map[string]string{"tier": "starter"},
		}},
	})
	require.NoError(t, err)
	signed := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload: payload,
		Secret:  cfg.Stripe.WebhookSecret,
	})

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/webhooks/stripe", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Stripe-Signature", signed.Header)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	bal, err := a.engine.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Credits(5000), bal)

	for _, path := range []string{"/healthz", "/readyz", "/metrics"} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode, path)
	}
}

func TestSeedUsersIsIdempotent(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Store.Driver = config.DriverSQLite
	cfg.Store.DSN = filepath.Join(t.TempDir(), "seed.db")
	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))

	st, err := openStore(ctx, cfg.Store)
	require.NoError(t, err)
	a, err := buildApp(ctx, cfg, st, logger)
	require.NoError(t, err)
	first, err := a.engine.ResolveBySubject(ctx, "user_local")
	require.NoError(t, err)
	require.NoError(t, a.engine.Stop(ctx))

	st, err = openStore(ctx, cfg.Store)
	require.NoError(t, err)
	a, err = buildApp(ctx, cfg, st, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.engine.Stop(ctx) })

	second, err := a.engine.ResolveBySubject(ctx, "user_local")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestOpenStoreUnknownDriver(t *testing.T) {
	_, err := openStore(context.Background(), config.StoreConfig{Driver: "dynamo"})
	assert.Error(t, err)
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "chartable dev\n", out.String())
}

func TestServeRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chartable.yaml")
	cmd := newRootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"serve", "--config", path})
	assert.Error(t, cmd.Execute())
}

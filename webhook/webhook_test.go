package webhook_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/xraph/chartable"
	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/store/memory"
	"github.com/xraph/chartable/types"
	"github.com/xraph/chartable/user"
	"github.com/xraph/chartable/webhook"
)

const testSecret = "whsec_test_secret"

var testTiers = credit.TierTable{
	"starter":          5000,
	"pro":              2000,
	"price_bundle_10k": 10000,
}

type fixture struct {
	eng    *chartable.Engine
	intake *webhook.Intake
	user   *user.User
}

func newFixture(t *testing.T, opts ...webhook.Option) *fixture {
	t.Helper()
	ctx := context.Background()

	eng := chartable.New(memory.New())
	require.NoError(t, eng.Start(ctx))
	t.Cleanup(func() { _ = eng.Stop(ctx) })

	u := &user.User{ExternalAuthID: "user_2abc"}
	require.NoError(t, eng.CreateUser(ctx, u))

	opts = append([]webhook.Option{webhook.WithPlugins(eng.Plugins())}, opts...)
	return &fixture{
		eng:    eng,
		intake: webhook.New(eng, testSecret, testTiers, opts...),
		user:   u,
	}
}

type session struct {
	eventType     string
	reference     string
	paymentStatus string
	metadata      map[string]string
}

func checkoutPayload(t *testing.T, eventID string, s session) []byte {
	t.Helper()
	if s.eventType == "" {
		s.eventType = "checkout.session.completed"
	}
	if s.paymentStatus == "" {
		s.paymentStatus = "paid"
	}
	obj := map[string]any{
		"id":                  "cs_test_" + eventID,
		"object":              "checkout.session",
		"client_reference_id": s.reference,
		"payment_status":      s.paymentStatus,
		"metadata":            s.metadata,
	}
	body, err := json.Marshal(map[string]any{
		"id":     eventID,
		"object": "event",
		"type":   s.eventType,
		"data":   map[string]any{"object": obj},
	})
	require.NoError(t, err)
	return body
}

func sign(payload []byte) string {
	return stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload: payload,
		Secret:  testSecret,
	}).Header
}

func (f *fixture) deliver(t *testing.T, payload []byte) (*webhook.Outcome, error) {
	t.Helper()
	return f.intake.HandleDelivery(context.Background(), payload, sign(payload))
}

func (f *fixture) balance(t *testing.T) types.Credits {
	t.Helper()
	bal, err := f.eng.Balance(context.Background(), f.user.ID)
	require.NoError(t, err)
	return bal
}

func TestHandleDeliveryRedeliveryCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ref := f.user.ID.String()
	first := checkoutPayload(t, "evt_E1", session{reference: ref, metadata: map[string]string{"tier": "starter"}})

	out, err := f.deliver(t, first)
	require.NoError(t, err)
	assert.Equal(t, webhook.ActionCredited, out.Action)
	assert.Equal(t, types.Credits(5000), out.Balance)

	out, err = f.deliver(t, first)
	require.NoError(t, err)
	assert.Equal(t, webhook.ActionDuplicate, out.Action)
	assert.Equal(t, types.Credits(5000), f.balance(t))

	second := checkoutPayload(t, "evt_E2", session{reference: ref, metadata: map[string]string{"tier": "pro"}})
	out, err = f.deliver(t, second)
	require.NoError(t, err)
	assert.Equal(t, webhook.ActionCredited, out.Action)
	assert.Equal(t, types.Credits(7000), f.balance(t))

	rec, err := f.eng.ProcessedEvent(context.Background(), "evt_E1")
	require.NoError(t, err)
	assert.Equal(t, "starter", rec.Tier)
	assert.Equal(t, "cs_test_evt_E1", rec.SessionID)
	assert.Equal(t, credit.ProviderStripe, rec.Provider)
}

func TestHandleDeliveryRejectsBadSignatures(t *testing.T) {
	f := newFixture(t)
	payload := checkoutPayload(t, "evt_forged", session{
		reference: f.user.ID.String(),
		metadata:  map[string]string{"tier": "starter"},
	})
	wrongKey := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload: payload,
		Secret:  "whsec_other",
	}).Header
	stale := stripewebhook.GenerateTestSignedPayload(&stripewebhook.UnsignedPayload{
		Payload:   payload,
		Secret:    testSecret,
		Timestamp: time.Now().Add(-time.Hour),
	}).Header

	tests := []struct {
		name   string
		header string
		body   []byte
		want   error
	}{
		{"missing header", "", payload, chartable.ErrMissingSignature},
		{"garbage header", "t=1,v1=deadbeef", payload, chartable.ErrInvalidSignature},
		{"wrong secret", wrongKey, payload, chartable.ErrInvalidSignature},
		{"stale timestamp", stale, payload, chartable.ErrInvalidSignature},
		{"body altered after signing", sign(payload), append([]byte(" "), payload...), chartable.ErrInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.intake.HandleDelivery(context.Background(), tt.body, tt.header)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, chartable.IsClientError(err))
		})
	}

	assert.Equal(t, types.Credits(0), f.balance(t))
	_, err := f.eng.ProcessedEvent(context.Background(), "evt_forged")
	assert.ErrorIs(t, err, chartable.ErrEventNotFound)
}

func TestHandleDeliveryIgnoresOtherEvents(t *testing.T) {
	f := newFixture(t)
	payload := []byte(`{"id":"evt_other","object":"event","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`)

	out, err := f.deliver(t, payload)
	require.NoError(t, err)
	assert.Equal(t, webhook.ActionIgnored, out.Action)
	assert.Equal(t, "customer.created", out.EventType)
	assert.Equal(t, types.Credits(0), f.balance(t))
}

func TestHandleDeliveryAsyncPayment(t *testing.T) {
	f := newFixture(t)
	ref := f.user.ID.String()
	meta := map[string]string{"tier": "starter"}

	out, err := f.deliver(t, checkoutPayload(t, "evt_pending", session{reference: ref, paymentStatus: "unpaid", metadata: meta}))
	require.NoError(t, err)
	assert.Equal(t, webhook.ActionDeferred, out.Action)
	assert.Equal(t, types.Credits(0), f.balance(t))

	out, err = f.deliver(t, checkoutPayload(t, "evt_settled", session{
		eventType:     "checkout.session.async_payment_succeeded",
		reference:     ref,
		paymentStatus: "paid",
		metadata:      meta,
	}))
	require.NoError(t, err)
	assert.Equal(t, webhook.ActionCredited, out.Action)
	assert.Equal(t, types.Credits(5000), f.balance(t))
}

func TestHandleDeliveryRejections(t *testing.T) {
	f := newFixture(t)
	ref := f.user.ID.String()

	tests := []struct {
		name    string
		payload []byte
		want    error
		reason  string
	}{
		{
			name:    "not json",
			payload: []byte("{not json"),
			want:    chartable.ErrMalformedPayload,
			reason:  "malformed_payload",
		},
		{
			name:    "checkout without session object",
			payload: []byte(`{"id":"evt_x","object":"event","type":"checkout.session.completed","data":{"object":{"id":"in_1","object":"invoice"}}}`),
			want:    chartable.ErrMalformedPayload,
			reason:  "malformed_payload",
		},
		{
			name:    "missing reference",
			payload: checkoutPayload(t, "evt_noref", session{metadata: map[string]string{"tier": "starter"}}),
			want:    chartable.ErrMissingReference,
			reason:  "missing_reference",
		},
		{
			name:    "unpaid checkout without reference",
			payload: checkoutPayload(t, "evt_unpaid_noref", session{paymentStatus: "unpaid", metadata: map[string]string{"tier": "starter"}}),
			want:    chartable.ErrMissingReference,
			reason:  "missing_reference",
		},
		{
			name:    "reference is not a user id",
			payload: checkoutPayload(t, "evt_badref", session{reference: "65a1f0c2e4b0", metadata: map[string]string{"tier": "starter"}}),
			want:    chartable.ErrUserNotFound,
			reason:  "unknown_user",
		},
		{
			name:    "unknown tier",
			payload: checkoutPayload(t, "evt_tier", session{reference: ref, metadata: map[string]string{"tier": "enterprise"}}),
			want:    chartable.ErrUnknownTier,
			reason:  "unknown_tier",
		},
		{
			name:    "no tier and no line item source",
			payload: checkoutPayload(t, "evt_notier", session{reference: ref}),
			want:    chartable.ErrUnknownTier,
			reason:  "unknown_tier",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.deliver(t, tt.payload)
			require.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.reason, webhook.RejectReason(err))
		})
	}
	assert.Equal(t, types.Credits(0), f.balance(t))
}

func TestHandleDeliveryUnknownUser(t *testing.T) {
	f := newFixture(t)
	payload := checkoutPayload(t, "evt_ghost", session{
		reference: "usr_01h455vb4pex5vsknk084sn02q",
		metadata:  map[string]string{"tier": "starter"},
	})

	_, err := f.deliver(t, payload)
	require.ErrorIs(t, err, chartable.ErrUserNotFound)
	assert.Equal(t, types.Credits(0), f.balance(t))
}

type fakeLineItems struct {
	items []webhook.PurchasedItem
	err   error
	calls int
}

func (f *fakeLineItems) LineItems(_ context.Context, _ string) ([]webhook.PurchasedItem, error) {
	f.calls++
	return f.items, f.err
}

func TestHandleDeliveryLineItemTiers(t *testing.T) {
	src := &fakeLineItems{items: []webhook.PurchasedItem{
		{PriceID: "price_bundle_10k", Quantity: 2},
		{PriceID: "price_unlisted", LookupKey: "pro", Quantity: 0},
	}}
	f := newFixture(t, webhook.WithLineItems(src))

	out, err := f.deliver(t, checkoutPayload(t, "evt_items", session{reference: f.user.ID.String()}))
	require.NoError(t, err)
	assert.Equal(t, types.Credits(22000), out.Amount)
	assert.Equal(t, 1, src.calls)

	rec, err := f.eng.ProcessedEvent(context.Background(), "evt_items")
	require.NoError(t, err)
	assert.Equal(t, "price_bundle_10k,pro", rec.Tier)
}

func TestHandleDeliveryMetadataWinsOverLineItems(t *testing.T) {
	src := &fakeLineItems{items: []webhook.PurchasedItem{{PriceID: "price_bundle_10k", Quantity: 1}}}
	f := newFixture(t, webhook.WithLineItems(src))

	out, err := f.deliver(t, checkoutPayload(t, "evt_meta", session{
		reference: f.user.ID.String(),
		metadata:  map[string]string{"tier": "pro"},
	}))
	require.NoError(t, err)
	assert.Equal(t, types.Credits(2000), out.Amount)
	assert.Zero(t, src.calls)
}

func TestHandleDeliveryLineItemOverflow(t *testing.T) {
	src := &fakeLineItems{items: []webhook.PurchasedItem{{PriceID: "price_bundle_10k", Quantity: 1844674407370956}}}
	f := newFixture(t, webhook.WithLineItems(src))

	_, err := f.deliver(t, checkoutPayload(t, "evt_huge", session{reference: f.user.ID.String()}))
	require.ErrorIs(t, err, chartable.ErrInvalidAmount)
	assert.ErrorIs(t, err, types.ErrOverflow)
	assert.Equal(t, "invalid_amount", webhook.RejectReason(err))
	assert.Equal(t, types.Credits(0), f.balance(t))
}

func TestHandleDeliveryProviderFailure(t *testing.T) {
	src := &fakeLineItems{err: fmt.Errorf("%w: stripe down", chartable.ErrProviderUnavailable)}
	f := newFixture(t, webhook.WithLineItems(src))

	_, err := f.deliver(t, checkoutPayload(t, "evt_down", session{reference: f.user.ID.String()}))
	require.ErrorIs(t, err, chartable.ErrProviderUnavailable)
	assert.True(t, chartable.IsRetryable(err))
	assert.Equal(t, "provider_unavailable", webhook.RejectReason(err))

	src.err = nil
	src.items = []webhook.PurchasedItem{{PriceID: "price_bundle_10k", Quantity: 1}}
	out, err := f.deliver(t, checkoutPayload(t, "evt_down", session{reference: f.user.ID.String()}))
	require.NoError(t, err)
	assert.Equal(t, webhook.ActionCredited, out.Action)
}

func TestHandleDeliveryRedeliveryAfterConfigChange(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(tiers credit.TierTable, src *fakeLineItems)
	}{
		{
			name:   "tier retired",
			mutate: func(tiers credit.TierTable, _ *fakeLineItems) { delete(tiers, "price_bundle_10k") },
		},
		{
			name: "line item source failing",
			mutate: func(_ credit.TierTable, src *fakeLineItems) {
				src.err = fmt.Errorf("%w: stripe down", chartable.ErrProviderUnavailable)
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			eng := chartable.New(memory.New())
			require.NoError(t, eng.Start(ctx))
			t.Cleanup(func() { _ = eng.Stop(ctx) })
			u := &user.User{ExternalAuthID: "user_redeliver"}
			require.NoError(t, eng.CreateUser(ctx, u))

			tiers := credit.TierTable{"price_bundle_10k": 10000}
			src := &fakeLineItems{items: []webhook.PurchasedItem{{PriceID: "price_bundle_10k", Quantity: 1}}}
			intake := webhook.New(eng, testSecret, tiers, webhook.WithLineItems(src), webhook.WithPlugins(eng.Plugins()))

			payload := checkoutPayload(t, "evt_redeliver", session{reference: u.ID.String()})
			out, err := intake.HandleDelivery(ctx, payload, sign(payload))
			require.NoError(t, err)
			require.Equal(t, webhook.ActionCredited, out.Action)

			tt.mutate(tiers, src)
			calls := src.calls

			out, err = intake.HandleDelivery(ctx, payload, sign(payload))
			require.NoError(t, err)
			assert.Equal(t, webhook.ActionDuplicate, out.Action)
			assert.Equal(t, u.ID, out.UserID)
			assert.Equal(t, types.Credits(10000), out.Amount)
			assert.Equal(t, types.Credits(10000), out.Balance)
			assert.Equal(t, calls, src.calls)

			bal, err := eng.Balance(ctx, u.ID)
			require.NoError(t, err)
			assert.Equal(t, types.Credits(10000), bal)
		})
	}
}

func newStripeServer(t *testing.T, handler http.HandlerFunc) *webhook.StripeLineItems {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return webhook.NewStripeLineItems("sk_test_123", stripe.WithBackends(stripe.NewBackendsWithConfig(&stripe.BackendConfig{
		URL:               stripe.String(srv.URL),
		MaxNetworkRetries: stripe.Int64(0),
	})))
}

func TestStripeLineItems(t *testing.T) {
	var gotPath string
	src := newStripeServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","url":"/v1/checkout/sessions/cs_1/line_items","has_more":false,"data":[` +
			`{"id":"li_1","object":"item","quantity":2,"price":{"id":"price_bundle_10k","object":"price","lookup_key":"bundle"}},` +
			`{"id":"li_2","object":"item","quantity":1}]}`))
	})

	items, err := src.LineItems(context.Background(), "cs_1")
	require.NoError(t, err)
	assert.Equal(t, "/v1/checkout/sessions/cs_1/line_items", gotPath)
	assert.Equal(t, []webhook.PurchasedItem{
		{PriceID: "price_bundle_10k", LookupKey: "bundle", Quantity: 2},
		{Quantity: 1},
	}, items)
}

func TestStripeLineItemsUnavailable(t *testing.T) {
	src := newStripeServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"boom"}}`))
	})

	_, err := src.LineItems(context.Background(), "cs_1")
	require.ErrorIs(t, err, chartable.ErrProviderUnavailable)
	assert.True(t, chartable.IsRetryable(err))
}

func TestParse(t *testing.T) {
	ev, err := webhook.Parse([]byte(`{"id":"evt_1","type":"checkout.session.completed","livemode":true,"data":{"object":{"id":"cs_1","object":"checkout.session","client_reference_id":"usr_x","payment_status":"no_payment_required","metadata":{"tier":"pro"}}}}`))
	require.NoError(t, err)

	checkout, ok := ev.(*webhook.CheckoutCompleted)
	require.True(t, ok, "got %T", ev)
	assert.Equal(t, "evt_1", checkout.EventID())
	assert.Equal(t, "cs_1", checkout.SessionID)
	assert.Equal(t, "usr_x", checkout.ReferenceID)
	assert.Equal(t, "pro", checkout.Metadata["tier"])
	assert.True(t, checkout.Livemode)
	assert.True(t, checkout.Paid())

	_, err = webhook.Parse([]byte(`{"type":"checkout.session.completed"}`))
	assert.ErrorIs(t, err, chartable.ErrMalformedPayload)

	_, err = webhook.Parse([]byte(`{"id":"evt_2","type":"checkout.session.completed"}`))
	assert.ErrorIs(t, err, chartable.ErrMalformedPayload)
}

func TestVerifier(t *testing.T) {
	v := webhook.NewVerifier(testSecret, time.Minute)
	payload := []byte(`{"id":"evt_1"}`)

	require.NoError(t, v.Verify(payload, sign(payload)))
	assert.True(t, errors.Is(v.Verify(payload, "  "), chartable.ErrMissingSignature))
	assert.True(t, errors.Is(v.Verify([]byte(`{"id":"evt_2"}`), sign(payload)), chartable.ErrInvalidSignature))
}

func TestHandleDeliveryTraceSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider()
	tp.RegisterSpanProcessor(recorder)
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
		otel.SetTracerProvider(prev)
	})

	f := newFixture(t)
	payload := checkoutPayload(t, "evt_traced", session{
		reference: f.user.ID.String(),
		metadata:  map[string]string{"tier": "starter"},
	})
	_, err := f.deliver(t, payload)
	require.NoError(t, err)
	_, err = f.intake.HandleDelivery(context.Background(), payload, "")
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	assert.Equal(t, "chartable.webhook.delivery", spans[0].Name())
	assert.Equal(t, codes.Ok, spans[0].Status().Code)
	assert.Contains(t, spans[0].Attributes(), attribute.String("chartable.action", "credited"))
	assert.Contains(t, spans[0].Attributes(), attribute.String("chartable.event_id", "evt_traced"))

	assert.Equal(t, codes.Error, spans[1].Status().Code)
	assert.Contains(t, spans[1].Attributes(), attribute.String("chartable.reject_reason", "missing_signature"))
}

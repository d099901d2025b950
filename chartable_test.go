package chartable_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/chartable"
	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/diagram"
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/project"
	"github.com/xraph/chartable/store/memory"
	"github.com/xraph/chartable/types"
	"github.com/xraph/chartable/user"
)

func newEngine(t *testing.T, opts ...chartable.Option) *chartable.Engine {
	t.Helper()
	eng := chartable.New(memory.New(), opts...)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(func() { _ = eng.Stop(context.Background()) })
	return eng
}

func newUser(t *testing.T, eng *chartable.Engine, subject string) *user.User {
	t.Helper()
	u := &user.User{ExternalAuthID: subject}
	require.NoError(t, eng.CreateUser(context.Background(), u))
	return u
}

func TestApplyCreditOnceIsIdempotent(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	u := newUser(t, eng, "user_alice")

	g := credit.Grant{EventID: "evt_A", UserID: u.ID, Amount: 5000}
	for i := range 3 {
		res, err := eng.ApplyCreditOnce(ctx, g)
		require.NoError(t, err)
		assert.Equal(t, types.Credits(5000), res.Balance)
		assert.Equal(t, i == 0, res.Applied, "delivery %d", i)
	}

	bal, err := eng.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Credits(5000), bal)
}

func TestApplyCreditOnceDistinctEventsAdd(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	u := newUser(t, eng, "user_bob")

	_, err := eng.ApplyCreditOnce(ctx, credit.Grant{EventID: "evt_1", UserID: u.ID, Amount: 5000})
	require.NoError(t, err)
	res, err := eng.ApplyCreditOnce(ctx, credit.Grant{EventID: "evt_2", UserID: u.ID, Amount: 2000})
	require.NoError(t, err)

	assert.Equal(t, types.Credits(7000), res.Balance)
}

func TestApplyCreditOnceConcurrentSameEvent(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	u := newUser(t, eng, "user_carol")

	var wg sync.WaitGroup
	var applied atomic.Int32
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := eng.ApplyCreditOnce(ctx, credit.Grant{EventID: "evt_dup", UserID: u.ID, Amount: 5000})
			if assert.NoError(t, err) && res.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())
	bal, err := eng.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Credits(5000), bal)
}

func TestApplyCreditOnceConcurrentDistinctEvents(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	u := newUser(t, eng, "user_dave")

	var wg sync.WaitGroup
	for i := range 40 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := eng.ApplyCreditOnce(ctx, credit.Grant{EventID: fmt.Sprintf("evt_%d", i), UserID: u.ID, Amount: 100})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	bal, err := eng.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, types.Credits(4000), bal)
}

func TestApplyCreditOnceRejectsBadGrants(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	u := newUser(t, eng, "user_erin")

	tests := []struct {
		name  string
		grant credit.Grant
		want  error
	}{
		{"zero amount", credit.Grant{EventID: "evt_z", UserID: u.ID, Amount: 0}, chartable.ErrInvalidAmount},
		{"negative amount", credit.Grant{EventID: "evt_n", UserID: u.ID, Amount: -5}, chartable.ErrInvalidAmount},
		{"blank event", credit.Grant{EventID: "  ", UserID: u.ID, Amount: 5}, chartable.ErrInvalidInput},
		{"nil user", credit.Grant{EventID: "evt_u", Amount: 5}, chartable.ErrUserNotFound},
		{"unknown user", credit.Grant{EventID: "evt_k", UserID: id.NewUserID(), Amount: 5}, chartable.ErrUserNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := eng.ApplyCreditOnce(ctx, tt.grant)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	bal, err := eng.Balance(ctx, u.ID)
	require.NoError(t, err)
	assert.Zero(t, bal)

	// Rejected grants leave no processed-event record behind.
	_, err = eng.ProcessedEvent(ctx, "evt_k")
	assert.ErrorIs(t, err, chartable.ErrEventNotFound)
}

func TestProcessedEventRecordsContext(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	u := newUser(t, eng, "user_fay")

	_, err := eng.ApplyCreditOnce(ctx, credit.Grant{
		EventID: "evt_ctx", UserID: u.ID, Amount: 2000,
		Tier: "starter", SessionID: "cs_test_1", Provider: credit.ProviderStripe,
	})
	require.NoError(t, err)

	rec, err := eng.ProcessedEvent(ctx, "evt_ctx")
	require.NoError(t, err)
	assert.Equal(t, "starter", rec.Tier)
	assert.Equal(t, "cs_test_1", rec.SessionID)
	assert.Equal(t, types.Credits(2000), rec.BalanceAfter)
}

func TestResolveReference(t *testing.T) {
	eng := newEngine(t)
	u := newUser(t, eng, "user_gus")

	got, err := eng.ResolveReference(u.ID.String())
	require.NoError(t, err)
	assert.Equal(t, u.ID, got)

	for _, bad := range []string{"", "65a1f0c2e4b0a1b2c3d4e5f6", id.NewProjectID().String()} {
		_, err := eng.ResolveReference(bad)
		assert.ErrorIs(t, err, chartable.ErrUserNotFound, "reference %q", bad)
	}
}

func TestResolveBySubject(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	u := newUser(t, eng, "user_hal")

	got, err := eng.ResolveBySubject(ctx, "user_hal")
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)

	_, err = eng.ResolveBySubject(ctx, "user_nobody")
	assert.ErrorIs(t, err, chartable.ErrUserNotFound)

	_, err = eng.ResolveBySubject(ctx, "")
	assert.ErrorIs(t, err, chartable.ErrUnauthorized)
}

func TestAppendHistory(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)
	owner := newUser(t, eng, "user_ivy")

	p := &project.Project{UserID: owner.ID, Title: "Checkout flow", DiagramType: "flowchart", CurrentDiagram: "graph TD; A-->B"}
	require.NoError(t, eng.CreateProject(ctx, p))

	require.NoError(t, eng.AppendHistory(ctx, p.ID, owner.ID, &project.HistoryEntry{Prompt: "add C", Diagram: "graph TD; A-->B-->C", UpdateType: project.UpdateChat}))
	require.NoError(t, eng.AppendHistory(ctx, p.ID, owner.ID, &project.HistoryEntry{Diagram: "graph TD; A-->C", UpdateType: project.UpdateCode}))

	got, err := eng.GetProject(ctx, p.ID, owner.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.Equal(t, project.UpdateCode, got.History[0].UpdateType)
	assert.Equal(t, "add C", got.History[1].Prompt)
	assert.False(t, got.History[0].ID.IsNil())
	assert.Equal(t, "graph TD; A-->B", got.CurrentDiagram)

	err = eng.AppendHistory(ctx, p.ID, owner.ID, &project.HistoryEntry{Diagram: "x", UpdateType: "undo"})
	assert.ErrorIs(t, err, chartable.ErrInvalidInput)

	err = eng.AppendHistory(ctx, p.ID, owner.ID, &project.HistoryEntry{UpdateType: project.UpdateChat})
	assert.ErrorIs(t, err, chartable.ErrInvalidInput)

	other := newUser(t, eng, "user_jon")
	err = eng.AppendHistory(ctx, p.ID, other.ID, &project.HistoryEntry{Diagram: "x", UpdateType: project.UpdateChat})
	assert.ErrorIs(t, err, chartable.ErrProjectNotFound)
	assert.True(t, chartable.IsNotFound(err))
}

func TestGetDiagram(t *testing.T) {
	ctx := context.Background()
	eng := newEngine(t)

	d := &diagram.Diagram{Prompt: "a login flow", GPTResponse: "```mermaid\ngraph TD\n```", ExtractedSyntax: "graph TD", ProjectID: id.NewProjectID()}
	require.NoError(t, eng.CreateDiagram(ctx, d))

	got, err := eng.GetDiagram(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, "graph TD", got.ExtractedSyntax)

	_, err = eng.GetDiagram(ctx, id.NewDiagramID())
	assert.ErrorIs(t, err, chartable.ErrDiagramNotFound)
}

type recordingPlugin struct {
	mu      sync.Mutex
	applied []string
	dupes   []string
}

func (p *recordingPlugin) Name() string { return "recorder" }

func (p *recordingPlugin) OnCreditApplied(_ context.Context, ev *credit.ProcessedEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.applied = append(p.applied, ev.EventID)
	return nil
}

func (p *recordingPlugin) OnCreditDuplicate(_ context.Context, eventID string, _ id.UserID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dupes = append(p.dupes, eventID)
	return nil
}

func TestPluginsObserveCredits(t *testing.T) {
	ctx := context.Background()
	rec := &recordingPlugin{}
	eng := newEngine(t, chartable.WithPlugin(rec))
	u := newUser(t, eng, "user_kim")

	g := credit.Grant{EventID: "evt_p", UserID: u.ID, Amount: 10}
	_, err := eng.ApplyCreditOnce(ctx, g)
	require.NoError(t, err)
	_, err = eng.ApplyCreditOnce(ctx, g)
	require.NoError(t, err)

	assert.Equal(t, []string{"evt_p"}, rec.applied)
	assert.Equal(t, []string{"evt_p"}, rec.dupes)
}

type failingStore struct{ *memory.Store }

func (failingStore) ApplyCreditOnce(context.Context, credit.Grant) (*credit.Result, error) {
	return nil, errors.New("connection reset by peer")
}

func TestStorageFailureIsRetryable(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	eng := chartable.New(failingStore{mem})
	u := newUser(t, eng, "user_lee")

	_, err := eng.ApplyCreditOnce(ctx, credit.Grant{EventID: "evt_f", UserID: u.ID, Amount: 10})
	require.Error(t, err)
	assert.ErrorIs(t, err, chartable.ErrStorageUnavailable)
	assert.True(t, chartable.IsRetryable(err))
}

// Redelivering an arbitrary sequence of events credits each distinct
// event exactly once, regardless of how many times it repeats.
func TestRedeliveryProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("balance equals sum over distinct events", prop.ForAll(
		func(deliveries []int) bool {
			ctx := context.Background()
			eng := chartable.New(memory.New())
			u := &user.User{ExternalAuthID: "user_prop"}
			if err := eng.CreateUser(ctx, u); err != nil {
				return false
			}

			seen := make(map[int]bool)
			var want types.Credits
			for _, n := range deliveries {
				amount := types.Credits(n%7 + 1)
				if !seen[n] {
					seen[n] = true
					want += amount
				}
				if _, err := eng.ApplyCreditOnce(ctx, credit.Grant{
					EventID: fmt.Sprintf("evt_%d", n), UserID: u.ID, Amount: amount,
				}); err != nil {
					return false
				}
			}

			got, err := eng.Balance(ctx, u.ID)
			return err == nil && got == want
		},
		gen.SliceOf(gen.IntRange(0, 20)),
	))

	properties.TestingRun(t)
}

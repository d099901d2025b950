package mongo

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/chartable"
	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/project"
	"github.com/xraph/chartable/types"
	"github.com/xraph/chartable/user"
)

// openTestStore connects to CHARTABLE_TEST_MONGO_URI, which must point at a
// replica set. The test database is dropped on cleanup.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	uri := os.Getenv("CHARTABLE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("CHARTABLE_TEST_MONGO_URI not set")
	}

	ctx := context.Background()
	s, err := Connect(ctx, uri, "chartable_test_"+id.NewUserID().String())
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Migrate(ctx); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		_ = s.mdb.Database().Drop(ctx)
		_ = s.Close()
	})
	return s
}

func TestMigrationIndexesCoverCollections(t *testing.T) {
	idx := migrationIndexes()
	for _, col := range []string{colUsers, colProcessedEvents, colProjects, colDiagrams} {
		if _, ok := idx[col]; !ok {
			t.Errorf("no index definitions for %s", col)
		}
	}
	keys, ok := idx[colUsers][0].Keys.(bson.D)
	if !ok || keys[0].Key != "external_auth_id" {
		t.Errorf("users index keys = %v", idx[colUsers][0].Keys)
	}
}

func TestModelsMapToCollections(t *testing.T) {
	mdb := mongodriver.New()
	g := credit.Grant{EventID: "evt_1", UserID: id.NewUserID(), Amount: 100}
	rec := credit.NewProcessedEvent(g, 100)

	cases := map[string]string{
		colUsers:           mdb.NewInsert(toUserModel(&user.User{ID: id.NewUserID(), Entity: types.NewEntity()})).GetCollection(),
		colProcessedEvents: mdb.NewInsert(toProcessedEventModel(rec)).GetCollection(),
		colProjects:        mdb.NewInsert(toProjectModel(&project.Project{ID: id.NewProjectID()})).GetCollection(),
	}
	for want, got := range cases {
		if got != want {
			t.Errorf("collection = %q, want %q", got, want)
		}
	}

	// The event id is the document key, so the _id index rejects a second record.
	doc, err := mdb.NewInsert(toProcessedEventModel(rec)).BuildDoc()
	if err != nil {
		t.Fatal(err)
	}
	if doc["_id"] != "evt_1" {
		t.Errorf("_id = %v, want evt_1", doc["_id"])
	}
	if doc["amount"] != int64(100) {
		t.Errorf("amount = %v, want 100", doc["amount"])
	}
}

func TestModelRoundTrip(t *testing.T) {
	p := &project.Project{
		ID:     id.NewProjectID(),
		UserID: id.NewUserID(),
		Title:  "Flow",
		History: []project.HistoryEntry{
			{ID: id.NewHistoryID(), Diagram: "v2", UpdateType: project.UpdateCode},
			{ID: id.NewHistoryID(), Diagram: "v1", UpdateType: project.UpdateChat, Prompt: "start"},
		},
	}
	got, err := fromProjectModel(toProjectModel(p))
	if err != nil {
		t.Fatal(err)
	}
	if got.ID != p.ID || got.UserID != p.UserID || len(got.History) != 2 || got.History[1].Prompt != "start" {
		t.Errorf("round trip mismatch: %+v", got)
	}
}

func TestApplyCreditOnceTransaction(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := &user.User{ID: id.NewUserID(), ExternalAuthID: "user_mongo", Entity: types.NewEntity()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	g := credit.Grant{EventID: "evt_mongo", UserID: u.ID, Amount: 5000}
	var wg sync.WaitGroup
	results := make([]*credit.Result, 8)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.ApplyCreditOnce(ctx, g)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = res
		}()
	}
	wg.Wait()

	applied := 0
	for _, r := range results {
		if r != nil && r.Applied {
			applied++
		}
	}
	if applied != 1 {
		t.Errorf("applied %d times, want 1", applied)
	}

	got, err := s.GetUser(ctx, u.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.CreditBalance != 5000 {
		t.Errorf("balance = %d, want 5000", got.CreditBalance)
	}

	_, err = s.ApplyCreditOnce(ctx, credit.Grant{EventID: "evt_ghost", UserID: id.NewUserID(), Amount: 1})
	if !errors.Is(err, chartable.ErrUserNotFound) {
		t.Errorf("unknown user = %v", err)
	}
	if _, err := s.GetProcessedEvent(ctx, "evt_ghost"); !errors.Is(err, chartable.ErrEventNotFound) {
		t.Errorf("aborted transaction left a record: %v", err)
	}
}

func TestApplyCreditOnceOverflow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	u := &user.User{ID: id.NewUserID(), ExternalAuthID: "user_rich", CreditBalance: types.MaxCredits - 10, Entity: types.NewEntity()}
	if err := s.CreateUser(ctx, u); err != nil {
		t.Fatal(err)
	}

	_, err := s.ApplyCreditOnce(ctx, credit.Grant{EventID: "evt_big", UserID: u.ID, Amount: 11})
	if !errors.Is(err, chartable.ErrInvalidAmount) || !errors.Is(err, types.ErrOverflow) {
		t.Fatalf("got %v, want ErrInvalidAmount wrapping ErrOverflow", err)
	}
	if _, err := s.GetProcessedEvent(ctx, "evt_big"); !errors.Is(err, chartable.ErrEventNotFound) {
		t.Errorf("overflowing grant left a record: %v", err)
	}
}

func TestPrependHistoryOrder(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	owner := id.NewUserID()
	p := &project.Project{ID: id.NewProjectID(), UserID: owner, Entity: types.NewEntity(), History: []project.HistoryEntry{}}
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatal(err)
	}
	for _, d := range []string{"v1", "v2"} {
		e := &project.HistoryEntry{ID: id.NewHistoryID(), Diagram: d, UpdateType: project.UpdateChat}
		if err := s.PrependHistory(ctx, p.ID, owner, e); err != nil {
			t.Fatal(err)
		}
	}

	got, err := s.GetProject(ctx, p.ID, owner)
	if err != nil {
		t.Fatal(err)
	}
	if len(got.History) != 2 || got.History[0].Diagram != "v2" {
		t.Errorf("history = %+v", got.History)
	}

	err = s.PrependHistory(ctx, p.ID, id.NewUserID(), &project.HistoryEntry{ID: id.NewHistoryID()})
	if !errors.Is(err, chartable.ErrProjectNotFound) {
		t.Errorf("foreign owner = %v", err)
	}
}

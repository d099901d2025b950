// Package mongo implements store.Store on MongoDB. Credit application runs
// in a multi-document transaction, so the deployment must be a replica set
// or sharded cluster.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/grove"
	"github.com/xraph/grove/drivers/mongodriver"

	"github.com/xraph/chartable"
	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/diagram"
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/project"
	chartablestore "github.com/xraph/chartable/store"
	"github.com/xraph/chartable/types"
	"github.com/xraph/chartable/user"
)

// Collection name constants.
const (
	colUsers           = "chartable_users"
	colProcessedEvents = "chartable_processed_events"
	colProjects        = "chartable_projects"
	colDiagrams        = "chartable_diagrams"
)

// compile-time interface check
var _ chartablestore.Store = (*Store)(nil)

// errAlreadyApplied aborts a credit transaction whose event is recorded.
var errAlreadyApplied = errors.New("event already applied")

// errNotIncremented aborts a credit transaction whose user filter matched nothing.
var errNotIncremented = errors.New("balance not incremented")

// Store implements store.Store using MongoDB via Grove ORM.
type Store struct {
	db  *grove.DB
	mdb *mongodriver.MongoDB
}

// New creates a new MongoDB store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		mdb: mongodriver.Unwrap(db),
	}
}

// Connect dials uri and returns a store for database.
func Connect(ctx context.Context, uri, database string) (*Store, error) {
	mdb := mongodriver.New()
	if err := mdb.Open(ctx, uri, mongodriver.WithDatabase(database)); err != nil {
		return nil, fmt.Errorf("chartable/mongo: open: %w", err)
	}
	db, err := grove.Open(mdb)
	if err != nil {
		_ = mdb.Close()
		return nil, fmt.Errorf("chartable/mongo: grove: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates indexes for all Chartable collections.
func (s *Store) Migrate(ctx context.Context) error {
	for col, models := range migrationIndexes() {
		if len(models) == 0 {
			continue
		}
		if _, err := s.mdb.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("chartable/mongo: migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.Ping(ctx)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// ==================== User Store ====================

func (s *Store) CreateUser(ctx context.Context, u *user.User) error {
	if _, err := s.mdb.NewInsert(toUserModel(u)).Exec(ctx); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return chartable.ErrUserExists
		}
		return fmt.Errorf("chartable/mongo: create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID id.UserID) (*user.User, error) {
	return s.findUser(ctx, bson.M{"_id": userID.String()}, "get user")
}

func (s *Store) GetUserByExternalAuthID(ctx context.Context, externalAuthID string) (*user.User, error) {
	return s.findUser(ctx, bson.M{"external_auth_id": externalAuthID}, "get user by external auth id")
}

func (s *Store) findUser(ctx context.Context, filter bson.M, op string) (*user.User, error) {
	var m userModel
	if err := s.mdb.NewFind(&m).Filter(filter).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return nil, chartable.ErrUserNotFound
		}
		return nil, fmt.Errorf("chartable/mongo: %s: %w", op, err)
	}
	return fromUserModel(&m)
}

// ==================== Credit Store ====================

// ApplyCreditOnce increments the balance and inserts the processed-event
// record in one transaction. The record's _id is the event id, so a
// concurrent duplicate fails the insert and its increment is rolled back.
func (s *Store) ApplyCreditOnce(ctx context.Context, g credit.Grant) (*credit.Result, error) {
	if _, err := s.GetProcessedEvent(ctx, g.EventID); err == nil {
		return s.currentBalance(ctx, g.UserID)
	} else if !errors.Is(err, chartable.ErrEventNotFound) {
		return nil, err
	}

	sess, err := s.mdb.Client().StartSession()
	if err != nil {
		return nil, fmt.Errorf("chartable/mongo: start session: %w", err)
	}
	defer sess.EndSession(ctx)

	out, err := sess.WithTransaction(ctx, func(txCtx context.Context) (any, error) {
		var u userModel
		err := s.mdb.Collection(colUsers).FindOneAndUpdate(txCtx,
			bson.M{
				"_id":            g.UserID.String(),
				"credit_balance": bson.M{"$lte": (types.MaxCredits - g.Amount).Int64()},
			},
			bson.M{
				"$inc": bson.M{"credit_balance": g.Amount.Int64()},
				"$set": bson.M{"updated_at": time.Now().UTC()},
			},
			options.FindOneAndUpdate().SetReturnDocument(options.After),
		).Decode(&u)
		if err != nil {
			if isNoDocuments(err) {
				return nil, errNotIncremented
			}
			return nil, err
		}

		balance := types.Credits(u.CreditBalance)
		rec := credit.NewProcessedEvent(g, balance)
		if _, err := s.mdb.NewInsert(toProcessedEventModel(rec)).Exec(txCtx); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, errAlreadyApplied
			}
			return nil, err
		}
		return balance, nil
	})
	switch {
	case err == nil:
		return &credit.Result{Balance: out.(types.Credits), Applied: true}, nil
	case errors.Is(err, errAlreadyApplied):
		return s.currentBalance(ctx, g.UserID)
	case errors.Is(err, errNotIncremented):
		return nil, s.notIncremented(ctx, g)
	default:
		return nil, fmt.Errorf("chartable/mongo: apply credit: %w", err)
	}
}

// notIncremented explains an increment that matched no user document.
func (s *Store) notIncremented(ctx context.Context, g credit.Grant) error {
	u, err := s.GetUser(ctx, g.UserID)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: balance %d + %d: %w", chartable.ErrInvalidAmount, u.CreditBalance, g.Amount, types.ErrOverflow)
}

func (s *Store) currentBalance(ctx context.Context, userID id.UserID) (*credit.Result, error) {
	u, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &credit.Result{Balance: u.CreditBalance, Applied: false}, nil
}

func (s *Store) GetProcessedEvent(ctx context.Context, eventID string) (*credit.ProcessedEvent, error) {
	var m processedEventModel
	if err := s.mdb.NewFind(&m).Filter(bson.M{"_id": eventID}).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return nil, chartable.ErrEventNotFound
		}
		return nil, fmt.Errorf("chartable/mongo: get processed event: %w", err)
	}
	return fromProcessedEventModel(&m)
}

// ==================== Project Store ====================

func (s *Store) CreateProject(ctx context.Context, p *project.Project) error {
	if _, err := s.mdb.NewInsert(toProjectModel(p)).Exec(ctx); err != nil {
		return fmt.Errorf("chartable/mongo: create project: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, projectID id.ProjectID, ownerID id.UserID) (*project.Project, error) {
	var m projectModel
	err := s.mdb.NewFind(&m).
		Filter(bson.M{"_id": projectID.String(), "user_id": ownerID.String()}).
		Scan(ctx)
	if err != nil {
		if isNoDocuments(err) {
			return nil, chartable.ErrProjectNotFound
		}
		return nil, fmt.Errorf("chartable/mongo: get project: %w", err)
	}
	return fromProjectModel(&m)
}

// PrependHistory pushes entry at position 0 of the history array.
func (s *Store) PrependHistory(ctx context.Context, projectID id.ProjectID, ownerID id.UserID, entry *project.HistoryEntry) error {
	res, err := s.mdb.NewUpdate((*projectModel)(nil)).
		Filter(bson.M{"_id": projectID.String(), "user_id": ownerID.String()}).
		SetUpdate(bson.M{
			"$push": bson.M{"history": bson.M{
				"$each":     bson.A{toHistoryEntryModel(entry)},
				"$position": 0,
			}},
			"$set": bson.M{"updated_at": time.Now().UTC()},
		}).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("chartable/mongo: prepend history: %w", err)
	}
	if res.MatchedCount() == 0 {
		return chartable.ErrProjectNotFound
	}
	return nil
}

// ==================== Diagram Store ====================

func (s *Store) CreateDiagram(ctx context.Context, d *diagram.Diagram) error {
	if _, err := s.mdb.NewInsert(toDiagramModel(d)).Exec(ctx); err != nil {
		return fmt.Errorf("chartable/mongo: create diagram: %w", err)
	}
	return nil
}

func (s *Store) GetDiagram(ctx context.Context, diagramID id.DiagramID) (*diagram.Diagram, error) {
	var m diagramModel
	if err := s.mdb.NewFind(&m).Filter(bson.M{"_id": diagramID.String()}).Scan(ctx); err != nil {
		if isNoDocuments(err) {
			return nil, chartable.ErrDiagramNotFound
		}
		return nil, fmt.Errorf("chartable/mongo: get diagram: %w", err)
	}
	return fromDiagramModel(&m)
}

// ==================== Helpers ====================

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// migrationIndexes returns the index definitions for all Chartable collections.
// Processed events are keyed by _id, which is unique already.
func migrationIndexes() map[string][]mongo.IndexModel {
	return map[string][]mongo.IndexModel{
		colUsers: {
			{
				Keys:    bson.D{{Key: "external_auth_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		},
		colProcessedEvents: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "applied_at", Value: -1}}},
		},
		colProjects: {
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "updated_at", Value: -1}}},
		},
		colDiagrams: {
			{Keys: bson.D{{Key: "project_id", Value: 1}}},
		},
	}
}

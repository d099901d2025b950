// Package postgres implements store.Store on PostgreSQL through grove and
// its pgx-backed pgdriver.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/pgdriver"
	_ "github.com/xraph/grove/drivers/pgdriver/pgmigrate" // registers the "pg" migration executor
	"github.com/xraph/grove/migrate"

	"github.com/xraph/chartable"
	"github.com/xraph/chartable/credit"
	"github.com/xraph/chartable/diagram"
	"github.com/xraph/chartable/id"
	"github.com/xraph/chartable/project"
	chartablestore "github.com/xraph/chartable/store"
	"github.com/xraph/chartable/types"
	"github.com/xraph/chartable/user"
)

// compile-time interface check
var _ chartablestore.Store = (*Store)(nil)

const pgUniqueViolation = "23505"

// DefaultPoolSize is the connection pool size used by Open.
const DefaultPoolSize = 10

// builder is satisfied by *pgdriver.PgDB and *pgdriver.PgTx.
type builder interface {
	NewSelect(model ...any) *pgdriver.SelectQuery
	NewInsert(model any) *pgdriver.InsertQuery
	NewUpdate(model any) *pgdriver.UpdateQuery
}

// Store implements store.Store using PostgreSQL via Grove ORM.
type Store struct {
	db *grove.DB
	pg *pgdriver.PgDB
}

// New creates a new PostgreSQL store backed by Grove ORM.
func New(db *grove.DB) *Store {
	return &Store{
		db: db,
		pg: pgdriver.Unwrap(db),
	}
}

// Open connects to dsn with pgdriver and wraps the pool in a grove handle.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pg := pgdriver.New()
	if err := pg.Open(ctx, dsn, driver.WithPoolSize(DefaultPoolSize)); err != nil {
		return nil, fmt.Errorf("chartable/postgres: open: %w", err)
	}
	db, err := grove.Open(pg)
	if err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("chartable/postgres: grove: %w", err)
	}
	return New(db), nil
}

// DB returns the underlying grove database for direct access.
func (s *Store) DB() *grove.DB { return s.db }

// Migrate creates the required tables and indexes using the grove orchestrator.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.runMigrations(ctx); err != nil {
		return err
	}
	return nil
}

// runMigrations applies pending migrations and reports how many ran.
func (s *Store) runMigrations(ctx context.Context) (int, error) {
	executor, err := migrate.NewExecutorFor(s.pg)
	if err != nil {
		return 0, fmt.Errorf("chartable/postgres: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	res, err := orch.Migrate(ctx)
	if err != nil {
		return 0, fmt.Errorf("chartable/postgres: migration failed: %w", err)
	}
	return len(res.Applied), nil
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
	if _, err := s.pg.NewInsert(toUserModel(u)).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return chartable.ErrUserExists
		}
		return fmt.Errorf("chartable/postgres: create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID id.UserID) (*user.User, error) {
	m := new(userModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", userID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chartable.ErrUserNotFound
		}
		return nil, fmt.Errorf("chartable/postgres: get user: %w", err)
	}
	return fromUserModel(m)
}

func (s *Store) GetUserByExternalAuthID(ctx context.Context, externalAuthID string) (*user.User, error) {
	m := new(userModel)
	err := s.pg.NewSelect(m).
		Where("external_auth_id = $1", externalAuthID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chartable.ErrUserNotFound
		}
		return nil, fmt.Errorf("chartable/postgres: get user by external auth id: %w", err)
	}
	return fromUserModel(m)
}

// ==================== Credit Store ====================

// ApplyCreditOnce increments the balance, then claims the event id with
// ON CONFLICT DO NOTHING. If the claim inserts no row the event was already
// applied: the transaction is rolled back and the current balance returned.
// The row lock taken by the increment serializes concurrent deliveries for
// the same user.
func (s *Store) ApplyCreditOnce(ctx context.Context, g credit.Grant) (*credit.Result, error) {
	tx, err := s.pg.BeginTxQuery(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chartable/postgres: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var balance int64
	if err := incrementBalance(tx, g).Scan(ctx, &balance); err != nil {
		if isNoRows(err) {
			_ = tx.Rollback()
			return nil, s.notIncremented(ctx, g)
		}
		return nil, fmt.Errorf("chartable/postgres: increment balance: %w", err)
	}

	rec := credit.NewProcessedEvent(g, types.Credits(balance))
	res, err := claimEvent(tx, rec).Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("chartable/postgres: record event: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("chartable/postgres: record event: %w", err)
	}

	if inserted == 0 {
		if err := tx.Rollback(); err != nil {
			return nil, fmt.Errorf("chartable/postgres: rollback duplicate: %w", err)
		}
		return s.currentBalance(ctx, g.UserID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("chartable/postgres: commit: %w", err)
	}
	return &credit.Result{Balance: rec.BalanceAfter, Applied: true}, nil
}

// incrementBalance adds the grant to the user's row and returns the new
// balance. No row means the user does not exist or the sum would overflow.
func incrementBalance(b builder, g credit.Grant) *pgdriver.UpdateQuery {
	return b.NewUpdate((*userModel)(nil)).
		Set("credit_balance = credit_balance + $1", g.Amount.Int64()).
		Set("updated_at = $2", now()).
		Where("id = $3", g.UserID.String()).
		Where("credit_balance <= $4", headroom(g.Amount)).
		Returning("credit_balance")
}

// claimEvent inserts the processed-event record unless one exists.
func claimEvent(b builder, rec *credit.ProcessedEvent) *pgdriver.InsertQuery {
	return b.NewInsert(toProcessedEventModel(rec)).
		OnConflict("(event_id) DO NOTHING")
}

// headroom is the largest balance that can take amount without overflowing.
func headroom(amount types.Credits) int64 {
	return (types.MaxCredits - amount).Int64()
}

// notIncremented explains an increment that matched no row.
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
	m := new(processedEventModel)
	err := s.pg.NewSelect(m).
		Where("event_id = $1", eventID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chartable.ErrEventNotFound
		}
		return nil, fmt.Errorf("chartable/postgres: get processed event: %w", err)
	}
	return fromProcessedEventModel(m)
}

// ==================== Project Store ====================

func (s *Store) CreateProject(ctx context.Context, p *project.Project) error {
	tx, err := s.pg.BeginTxQuery(ctx, nil)
	if err != nil {
		return fmt.Errorf("chartable/postgres: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.NewInsert(toProjectModel(p)).Exec(ctx); err != nil {
		return fmt.Errorf("chartable/postgres: create project: %w", err)
	}

	// Seeded history is stored oldest first so seq order matches.
	for i := len(p.History) - 1; i >= 0; i-- {
		if err := insertHistory(ctx, tx, p.ID, &p.History[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("chartable/postgres: commit: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, projectID id.ProjectID, ownerID id.UserID) (*project.Project, error) {
	m := new(projectModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", projectID.String()).
		Where("user_id = $2", ownerID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chartable.ErrProjectNotFound
		}
		return nil, fmt.Errorf("chartable/postgres: get project: %w", err)
	}

	var rows []historyModel
	if err := listHistory(s.pg, projectID, &rows).Scan(ctx); err != nil {
		return nil, fmt.Errorf("chartable/postgres: list history: %w", err)
	}
	return fromProjectModel(m, rows)
}

// listHistory selects a project's history into dest, newest first.
func listHistory(b builder, projectID id.ProjectID, dest *[]historyModel) *pgdriver.SelectQuery {
	return b.NewSelect(dest).
		Where("project_id = $1", projectID.String()).
		OrderExpr("seq DESC")
}

func (s *Store) PrependHistory(ctx context.Context, projectID id.ProjectID, ownerID id.UserID, entry *project.HistoryEntry) error {
	tx, err := s.pg.BeginTxQuery(ctx, nil)
	if err != nil {
		return fmt.Errorf("chartable/postgres: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := touchProject(tx, projectID, ownerID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("chartable/postgres: touch project: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("chartable/postgres: touch project: %w", err)
	} else if n == 0 {
		return chartable.ErrProjectNotFound
	}

	if err := insertHistory(ctx, tx, projectID, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("chartable/postgres: commit: %w", err)
	}
	return nil
}

// touchProject bumps updated_at on a project the owner holds. No row
// affected means the project is missing or belongs to someone else.
func touchProject(b builder, projectID id.ProjectID, ownerID id.UserID) *pgdriver.UpdateQuery {
	return b.NewUpdate((*projectModel)(nil)).
		Set("updated_at = $1", now()).
		Where("id = $2", projectID.String()).
		Where("user_id = $3", ownerID.String())
}

func insertHistory(ctx context.Context, b builder, projectID id.ProjectID, h *project.HistoryEntry) error {
	if _, err := b.NewInsert(toHistoryModel(projectID, h)).Exec(ctx); err != nil {
		return fmt.Errorf("chartable/postgres: insert history: %w", err)
	}
	return nil
}

// ==================== Diagram Store ====================

func (s *Store) CreateDiagram(ctx context.Context, d *diagram.Diagram) error {
	if _, err := s.pg.NewInsert(toDiagramModel(d)).Exec(ctx); err != nil {
		return fmt.Errorf("chartable/postgres: create diagram: %w", err)
	}
	return nil
}

func (s *Store) GetDiagram(ctx context.Context, diagramID id.DiagramID) (*diagram.Diagram, error) {
	m := new(diagramModel)
	err := s.pg.NewSelect(m).
		Where("id = $1", diagramID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chartable.ErrDiagramNotFound
		}
		return nil, fmt.Errorf("chartable/postgres: get diagram: %w", err)
	}
	return fromDiagramModel(m)
}

// isNoRows checks for the pgx and database/sql no-rows sentinels.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows) || errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

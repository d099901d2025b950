// Package sqlite implements store.Store on an embedded SQLite database
// through grove's sqlitedriver, which runs on the pure Go modernc.org/sqlite.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	moderncsqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/xraph/grove"
	"github.com/xraph/grove/driver"
	"github.com/xraph/grove/drivers/sqlitedriver"
	_ "github.com/xraph/grove/drivers/sqlitedriver/sqlitemigrate" // registers the "sqlite" migration executor
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

// builder is satisfied by *sqlitedriver.SqliteDB and *sqlitedriver.SqliteTx.
type builder interface {
	NewSelect(model ...any) *sqlitedriver.SelectQuery
	NewInsert(model any) *sqlitedriver.InsertQuery
	NewUpdate(model any) *sqlitedriver.UpdateQuery
}

// Store implements store.Store using SQLite via Grove ORM.
type Store struct {
	db  *grove.DB
	sdb *sqlitedriver.SqliteDB
}

// New creates a new SQLite store backed by Grove ORM. The driver should be
// limited to one open connection; see Open.
func New(db *grove.DB) *Store {
	return &Store{
		db:  db,
		sdb: sqlitedriver.Unwrap(db),
	}
}

// Open opens the database at dsn (a file path or "file::memory:"). SQLite
// allows one writer at a time, so the pool is capped at one connection
// and transactions queue in database/sql instead of failing with SQLITE_BUSY.
// The connection never touches the store handle while a transaction is open.
func Open(ctx context.Context, dsn string) (*Store, error) {
	sdb := sqlitedriver.New()
	if err := sdb.Open(ctx, withPragmas(dsn), driver.WithPoolSize(1)); err != nil {
		return nil, fmt.Errorf("chartable/sqlite: open: %w", err)
	}
	db, err := grove.Open(sdb)
	if err != nil {
		_ = sdb.Close()
		return nil, fmt.Errorf("chartable/sqlite: grove: %w", err)
	}
	return New(db), nil
}

// withPragmas appends per-connection pragmas to dsn.
func withPragmas(dsn string) string {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
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
	executor, err := migrate.NewExecutorFor(s.sdb)
	if err != nil {
		return 0, fmt.Errorf("chartable/sqlite: create migration executor: %w", err)
	}
	orch := migrate.NewOrchestrator(executor, Migrations)
	res, err := orch.Migrate(ctx)
	if err != nil {
		return 0, fmt.Errorf("chartable/sqlite: migration failed: %w", err)
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
	if _, err := s.sdb.NewInsert(toUserModel(u)).Exec(ctx); err != nil {
		if isUniqueViolation(err) {
			return chartable.ErrUserExists
		}
		return fmt.Errorf("chartable/sqlite: create user: %w", err)
	}
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID id.UserID) (*user.User, error) {
	m := new(userModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", userID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chartable.ErrUserNotFound
		}
		return nil, fmt.Errorf("chartable/sqlite: get user: %w", err)
	}
	return fromUserModel(m)
}

func (s *Store) GetUserByExternalAuthID(ctx context.Context, externalAuthID string) (*user.User, error) {
	m := new(userModel)
	err := s.sdb.NewSelect(m).
		Where("external_auth_id = ?", externalAuthID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chartable.ErrUserNotFound
		}
		return nil, fmt.Errorf("chartable/sqlite: get user by external auth id: %w", err)
	}
	return fromUserModel(m)
}

// ==================== Credit Store ====================

// ApplyCreditOnce increments the balance and claims the event id inside
// one transaction. A claim that inserts nothing means the event was
// already applied, so the increment is rolled back.
func (s *Store) ApplyCreditOnce(ctx context.Context, g credit.Grant) (*credit.Result, error) {
	tx, err := s.sdb.BeginTxQuery(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("chartable/sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var balance int64
	if err := incrementBalance(tx, g).Scan(ctx, &balance); err != nil {
		if isNoRows(err) {
			_ = tx.Rollback()
			return nil, s.notIncremented(ctx, g)
		}
		return nil, fmt.Errorf("chartable/sqlite: increment balance: %w", err)
	}

	rec := credit.NewProcessedEvent(g, types.Credits(balance))
	res, err := claimEvent(tx, rec).Exec(ctx)
	if err != nil {
		return nil, fmt.Errorf("chartable/sqlite: record event: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("chartable/sqlite: record event: %w", err)
	}

	if inserted == 0 {
		if err := tx.Rollback(); err != nil {
			return nil, fmt.Errorf("chartable/sqlite: rollback duplicate: %w", err)
		}
		return s.currentBalance(ctx, g.UserID)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("chartable/sqlite: commit: %w", err)
	}
	return &credit.Result{Balance: rec.BalanceAfter, Applied: true}, nil
}

// incrementBalance adds the grant to the user's row and returns the new
// balance. No row means the user does not exist or the sum would overflow.
func incrementBalance(b builder, g credit.Grant) *sqlitedriver.UpdateQuery {
	return b.NewUpdate((*userModel)(nil)).
		Set("credit_balance = credit_balance + ?", g.Amount.Int64()).
		Set("updated_at = ?", formatTime(now())).
		Where("id = ?", g.UserID.String()).
		Where("credit_balance <= ?", headroom(g.Amount)).
		Returning("credit_balance")
}

func claimEvent(b builder, rec *credit.ProcessedEvent) *sqlitedriver.InsertQuery {
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
	err := s.sdb.NewSelect(m).
		Where("event_id = ?", eventID).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chartable.ErrEventNotFound
		}
		return nil, fmt.Errorf("chartable/sqlite: get processed event: %w", err)
	}
	return fromProcessedEventModel(m)
}

// ==================== Project Store ====================

func (s *Store) CreateProject(ctx context.Context, p *project.Project) error {
	tx, err := s.sdb.BeginTxQuery(ctx, nil)
	if err != nil {
		return fmt.Errorf("chartable/sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.NewInsert(toProjectModel(p)).Exec(ctx); err != nil {
		return fmt.Errorf("chartable/sqlite: create project: %w", err)
	}

	for i := len(p.History) - 1; i >= 0; i-- {
		if err := insertHistory(ctx, tx, p.ID, &p.History[i]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("chartable/sqlite: commit: %w", err)
	}
	return nil
}

func (s *Store) GetProject(ctx context.Context, projectID id.ProjectID, ownerID id.UserID) (*project.Project, error) {
	m := new(projectModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", projectID.String()).
		Where("user_id = ?", ownerID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chartable.ErrProjectNotFound
		}
		return nil, fmt.Errorf("chartable/sqlite: get project: %w", err)
	}

	var rows []historyModel
	if err := listHistory(s.sdb, projectID, &rows).Scan(ctx); err != nil {
		return nil, fmt.Errorf("chartable/sqlite: list history: %w", err)
	}
	return fromProjectModel(m, rows)
}

func (s *Store) PrependHistory(ctx context.Context, projectID id.ProjectID, ownerID id.UserID, entry *project.HistoryEntry) error {
	tx, err := s.sdb.BeginTxQuery(ctx, nil)
	if err != nil {
		return fmt.Errorf("chartable/sqlite: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := touchProject(tx, projectID, ownerID).Exec(ctx)
	if err != nil {
		return fmt.Errorf("chartable/sqlite: touch project: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("chartable/sqlite: touch project: %w", err)
	} else if n == 0 {
		return chartable.ErrProjectNotFound
	}

	if err := insertHistory(ctx, tx, projectID, entry); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("chartable/sqlite: commit: %w", err)
	}
	return nil
}

func listHistory(b builder, projectID id.ProjectID, dest *[]historyModel) *sqlitedriver.SelectQuery {
	return b.NewSelect(dest).
		Where("project_id = ?", projectID.String()).
		OrderExpr("seq DESC")
}

// touchProject bumps updated_at only when ownerID owns the project.
func touchProject(b builder, projectID id.ProjectID, ownerID id.UserID) *sqlitedriver.UpdateQuery {
	return b.NewUpdate((*projectModel)(nil)).
		Set("updated_at = ?", formatTime(now())).
		Where("id = ?", projectID.String()).
		Where("user_id = ?", ownerID.String())
}

func insertHistory(ctx context.Context, b builder, projectID id.ProjectID, h *project.HistoryEntry) error {
	if _, err := b.NewInsert(toHistoryModel(projectID, h)).Exec(ctx); err != nil {
		return fmt.Errorf("chartable/sqlite: insert history: %w", err)
	}
	return nil
}

// ==================== Diagram Store ====================

func (s *Store) CreateDiagram(ctx context.Context, d *diagram.Diagram) error {
	if _, err := s.sdb.NewInsert(toDiagramModel(d)).Exec(ctx); err != nil {
		return fmt.Errorf("chartable/sqlite: create diagram: %w", err)
	}
	return nil
}

func (s *Store) GetDiagram(ctx context.Context, diagramID id.DiagramID) (*diagram.Diagram, error) {
	m := new(diagramModel)
	err := s.sdb.NewSelect(m).
		Where("id = ?", diagramID.String()).
		Scan(ctx)
	if err != nil {
		if isNoRows(err) {
			return nil, chartable.ErrDiagramNotFound
		}
		return nil, fmt.Errorf("chartable/sqlite: get diagram: %w", err)
	}
	return fromDiagramModel(m)
}

// isNoRows checks for the standard sql.ErrNoRows sentinel.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func isUniqueViolation(err error) bool {
	var se *moderncsqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

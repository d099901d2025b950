package postgres

import (
	"context"

	"github.com/xraph/grove/migrate"
)

// Migrations is the grove migration group for the Chartable store.
var Migrations = migrate.NewGroup("chartable")

func init() {
	Migrations.MustRegister(
		&migrate.Migration{
			Name:    "create_chartable_users",
			Version: "20250101000001",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chartable_users (
    id               TEXT PRIMARY KEY,
    external_auth_id TEXT NOT NULL,
    email            TEXT NOT NULL DEFAULT '',
    credit_balance   BIGINT NOT NULL DEFAULT 0 CHECK (credit_balance >= 0),
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_chartable_users_external_auth_id ON chartable_users (external_auth_id);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS chartable_users`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_chartable_processed_events",
			Version: "20250101000002",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chartable_processed_events (
    event_id      TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL REFERENCES chartable_users (id),
    amount        BIGINT NOT NULL CHECK (amount > 0),
    tier          TEXT NOT NULL DEFAULT '',
    session_id    TEXT NOT NULL DEFAULT '',
    provider      TEXT NOT NULL DEFAULT '',
    balance_after BIGINT NOT NULL,
    applied_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_chartable_processed_events_user ON chartable_processed_events (user_id, applied_at DESC);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS chartable_processed_events`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_chartable_projects",
			Version: "20250101000003",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chartable_projects (
    id              TEXT PRIMARY KEY,
    user_id         TEXT NOT NULL,
    title           TEXT NOT NULL DEFAULT '',
    diagram_type    TEXT NOT NULL DEFAULT '',
    current_diagram TEXT NOT NULL DEFAULT '',
    created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_chartable_projects_user ON chartable_projects (user_id, updated_at DESC);

CREATE TABLE IF NOT EXISTS chartable_project_history (
    seq         BIGSERIAL PRIMARY KEY,
    id          TEXT NOT NULL UNIQUE,
    project_id  TEXT NOT NULL REFERENCES chartable_projects (id) ON DELETE CASCADE,
    prompt      TEXT NOT NULL DEFAULT '',
    diagram     TEXT NOT NULL,
    diagram_img TEXT NOT NULL DEFAULT '',
    update_type TEXT NOT NULL CHECK (update_type IN ('chat', 'code', 'reversion')),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_chartable_project_history_project ON chartable_project_history (project_id, seq DESC);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
DROP TABLE IF EXISTS chartable_project_history;
DROP TABLE IF EXISTS chartable_projects;
`)
				return err
			},
		},
		&migrate.Migration{
			Name:    "create_chartable_diagrams",
			Version: "20250101000004",
			Up: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `
CREATE TABLE IF NOT EXISTS chartable_diagrams (
    id               TEXT PRIMARY KEY,
    project_id       TEXT NOT NULL DEFAULT '',
    prompt           TEXT NOT NULL DEFAULT '',
    gpt_response     TEXT NOT NULL DEFAULT '',
    extracted_syntax TEXT NOT NULL DEFAULT '',
    diagram_svg      TEXT NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`)
				return err
			},
			Down: func(ctx context.Context, exec migrate.Executor) error {
				_, err := exec.Exec(ctx, `DROP TABLE IF EXISTS chartable_diagrams`)
				return err
			},
		},
	)
}

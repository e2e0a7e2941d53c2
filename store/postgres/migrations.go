package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/murphlabs/tally"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create_tally_courses",
		sql: `
CREATE TABLE IF NOT EXISTS tally_courses (
    id                   TEXT PRIMARY KEY,
    teacher_id           TEXT NOT NULL DEFAULT '',
    title                TEXT NOT NULL DEFAULT '',
    description          TEXT NOT NULL DEFAULT '',
    topic                TEXT NOT NULL DEFAULT '',
    skill_level          TEXT NOT NULL DEFAULT '',
    currency             TEXT NOT NULL DEFAULT 'usd',
    rate_per_minute      BIGINT NOT NULL DEFAULT 0,
    free_preview_seconds INT NOT NULL DEFAULT 10,
    estimated_minutes    INT NOT NULL DEFAULT 0,
    status               TEXT NOT NULL DEFAULT 'draft',
    checkpoints          JSONB NOT NULL DEFAULT '[]',
    metadata             JSONB NOT NULL DEFAULT '{}',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_courses_teacher ON tally_courses (teacher_id);
CREATE INDEX IF NOT EXISTS idx_tally_courses_status ON tally_courses (status);
`,
	},
	{
		version: 2,
		name:    "create_tally_sessions",
		sql: `
CREATE TABLE IF NOT EXISTS tally_sessions (
    id                   TEXT PRIMARY KEY,
    course_id            TEXT NOT NULL DEFAULT '',
    student_id           TEXT NOT NULL DEFAULT '',
    teacher_id           TEXT NOT NULL DEFAULT '',
    state                TEXT NOT NULL DEFAULT 'authorized',
    currency             TEXT NOT NULL DEFAULT 'usd',
    locked_amount        BIGINT NOT NULL DEFAULT 0,
    rate_per_minute      BIGINT NOT NULL DEFAULT 0,
    free_preview_seconds INT NOT NULL DEFAULT 10,
    reservation_id       TEXT NOT NULL DEFAULT '',
    authorized_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    started_at           TIMESTAMPTZ,
    ended_at             TIMESTAMPTZ,
    cancelled_at         TIMESTAMPTZ,
    max_duration_seconds BIGINT NOT NULL DEFAULT 0,
    checkpoints          JSONB NOT NULL DEFAULT '[]',
    metadata             JSONB NOT NULL DEFAULT '{}',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_sessions_student ON tally_sessions (student_id);
CREATE INDEX IF NOT EXISTS idx_tally_sessions_teacher ON tally_sessions (teacher_id);
CREATE INDEX IF NOT EXISTS idx_tally_sessions_state ON tally_sessions (state);
`,
	},
	{
		version: 3,
		name:    "create_tally_settlements",
		sql: `
CREATE TABLE IF NOT EXISTS tally_settlements (
    id                TEXT PRIMARY KEY,
    session_id        TEXT NOT NULL UNIQUE REFERENCES tally_sessions (id),
    student_id        TEXT NOT NULL DEFAULT '',
    teacher_id        TEXT NOT NULL DEFAULT '',
    billable_seconds  BIGINT NOT NULL DEFAULT 0,
    elapsed_minutes   DOUBLE PRECISION NOT NULL DEFAULT 0,
    currency          TEXT NOT NULL DEFAULT 'usd',
    locked_amount     BIGINT NOT NULL DEFAULT 0,
    amount_charged    BIGINT NOT NULL DEFAULT 0,
    amount_refunded   BIGINT NOT NULL DEFAULT 0,
    teacher_paid      BOOLEAN NOT NULL DEFAULT FALSE,
    settlement_method TEXT NOT NULL DEFAULT '',
    payout_attempts   INT NOT NULL DEFAULT 0,
    paid_at           TIMESTAMPTZ,
    settled_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    checkpoints       JSONB NOT NULL DEFAULT '[]',
    created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_settlements_teacher ON tally_settlements (teacher_id, settled_at);
CREATE INDEX IF NOT EXISTS idx_tally_settlements_unpaid ON tally_settlements (settled_at) WHERE NOT teacher_paid;
`,
	},
	{
		version: 4,
		name:    "create_tally_progress",
		sql: `
CREATE TABLE IF NOT EXISTS tally_progress (
    id              TEXT PRIMARY KEY,
    session_id      TEXT NOT NULL,
    elapsed_seconds BIGINT NOT NULL DEFAULT 0,
    reported_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_progress_session ON tally_progress (session_id, reported_at);
`,
	},
	{
		version: 5,
		name:    "create_tally_reviews",
		sql: `
CREATE TABLE IF NOT EXISTS tally_reviews (
    id             TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL UNIQUE,
    course_id      TEXT NOT NULL DEFAULT '',
    student_id     TEXT NOT NULL DEFAULT '',
    teacher_id     TEXT NOT NULL DEFAULT '',
    stars          INT NOT NULL DEFAULT 0,
    comment        TEXT NOT NULL DEFAULT '',
    credibility    DOUBLE PRECISION NOT NULL DEFAULT 0,
    classification JSONB,
    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_tally_reviews_teacher ON tally_reviews (teacher_id, created_at);
`,
	},
}

func runMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS tally_schema_migrations (
    version    INT PRIMARY KEY,
    name       TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`)
	if err != nil {
		return fmt.Errorf("%w: create migrations table: %v", tally.ErrMigrationFailed, err)
	}

	for _, m := range migrations {
		var applied bool
		err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM tally_schema_migrations WHERE version = $1)`,
			m.version,
		).Scan(&applied)
		if err != nil {
			return fmt.Errorf("%w: check version %d: %v", tally.ErrMigrationFailed, m.version, err)
		}
		if applied {
			continue
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("%w: begin %s: %v", tally.ErrMigrationFailed, m.name, err)
		}
		if _, err := tx.Exec(ctx, m.sql); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("%w: apply %s: %v", tally.ErrMigrationFailed, m.name, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO tally_schema_migrations (version, name) VALUES ($1, $2)`,
			m.version, m.name,
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("%w: record %s: %v", tally.ErrMigrationFailed, m.name, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("%w: commit %s: %v", tally.ErrMigrationFailed, m.name, err)
		}
	}
	return nil
}

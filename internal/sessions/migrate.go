package sessions

import (
	"context"
	"database/sql"
	"fmt"
)

var schemas = map[Dialect][]string{
	DialectPostgres: {
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL DEFAULT '',
			workdir TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'waiting',
			last_error TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_worker_idx ON sessions (worker_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS transcript_entries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions (id),
			seq BIGINT NOT NULL,
			turn_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_call JSONB,
			tool_outputs JSONB,
			created_at TIMESTAMPTZ NOT NULL,
			UNIQUE (session_id, seq)
		)`,
	},
	DialectSQLite: {
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL DEFAULT '',
			workdir TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'waiting',
			last_error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS sessions_worker_idx ON sessions (worker_id, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS transcript_entries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES sessions (id),
			seq INTEGER NOT NULL,
			turn_id TEXT NOT NULL DEFAULT '',
			role TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			tool_call BLOB,
			tool_outputs BLOB,
			created_at DATETIME NOT NULL,
			UNIQUE (session_id, seq)
		)`,
	},
}

// Migrate creates the session tables if they do not exist.
func Migrate(ctx context.Context, db *sql.DB, dialect Dialect) error {
	stmts, ok := schemas[dialect]
	if !ok {
		return fmt.Errorf("unsupported sql dialect: %q", dialect)
	}
	for i, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}

package db

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
)

type migration struct {
	version int
	name    string
	sql     string
}

var migrations = []migration{
	{
		version: 1,
		name:    "create session history",
		sql: `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	owner TEXT NOT NULL DEFAULT '',
	tool TEXT NOT NULL DEFAULT '',
	command TEXT NOT NULL,
	args TEXT NOT NULL DEFAULT '[]',
	pty INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	pid INTEGER NOT NULL DEFAULT 0,
	exit_code INTEGER,
	signal TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	output_bytes INTEGER NOT NULL DEFAULT 0,
	created_at TEXT NOT NULL,
	started_at TEXT NOT NULL DEFAULT '',
	ended_at TEXT NOT NULL DEFAULT '',
	last_activity_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions(owner);
`,
	},
	{
		version: 2,
		name:    "create session command audit log",
		sql: `
CREATE TABLE IF NOT EXISTS session_commands (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	op TEXT NOT NULL,
	payload_json TEXT NOT NULL DEFAULT '{}',
	status TEXT NOT NULL,
	result_json TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	sent_at TEXT NOT NULL DEFAULT '',
	acked_at TEXT NOT NULL DEFAULT '',
	completed_at TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_session_commands_session_id ON session_commands(session_id);
`,
	},
}

func RunMigrations(ctx context.Context, conn *sql.DB) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start migration transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS _meta (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`); err != nil {
		return fmt.Errorf("failed to ensure _meta table: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO _meta (key, value) VALUES ('schema_version', '0')`); err != nil {
		return fmt.Errorf("failed to initialize schema version: %w", err)
	}

	var currentRaw string
	if err := tx.QueryRowContext(ctx, `SELECT value FROM _meta WHERE key = 'schema_version'`).Scan(&currentRaw); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	currentVersion, err := strconv.Atoi(currentRaw)
	if err != nil {
		return fmt.Errorf("invalid schema version %q: %w", currentRaw, err)
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.sql); err != nil {
			return fmt.Errorf("failed migration %03d (%s): %w", m.version, m.name, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE _meta SET value = ? WHERE key = 'schema_version'`, strconv.Itoa(m.version)); err != nil {
			return fmt.Errorf("failed to set schema version %03d: %w", m.version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit migrations: %w", err)
	}

	return nil
}

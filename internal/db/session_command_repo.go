package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const commandColumns = `id, session_id, op, payload_json, status, result_json, error, created_at, sent_at, acked_at, completed_at`

// Audit statuses of a session command.
const (
	CommandQueued    = "queued"
	CommandSucceeded = "succeeded"
	CommandFailed    = "failed"
)

// SessionCommandRepo is the audit log of control requests. Rows reference
// sessions by id only, so requests against unknown sessions are recorded too.
type SessionCommandRepo struct {
	db *sql.DB
}

func NewSessionCommandRepo(db *sql.DB) *SessionCommandRepo {
	return &SessionCommandRepo{db: db}
}

func (r *SessionCommandRepo) Create(ctx context.Context, cmd *SessionCommand) error {
	if cmd == nil {
		return fmt.Errorf("session command is required")
	}
	if strings.TrimSpace(cmd.Op) == "" {
		return fmt.Errorf("session command op is required")
	}
	if cmd.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		cmd.ID = id
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = nowUTC()
	}
	if strings.TrimSpace(cmd.Status) == "" {
		cmd.Status = CommandQueued
	}
	if cmd.PayloadJSON == "" {
		cmd.PayloadJSON = "{}"
	}
	_, err := r.db.ExecContext(ctx, `
INSERT INTO session_commands (`+commandColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		cmd.ID,
		cmd.SessionID,
		cmd.Op,
		cmd.PayloadJSON,
		cmd.Status,
		cmd.ResultJSON,
		cmd.Error,
		formatTimestamp(cmd.CreatedAt),
		formatTimestampOrEmpty(cmd.SentAt),
		formatTimestampOrEmpty(cmd.AckedAt),
		formatTimestampOrEmpty(cmd.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create session command: %w", err)
	}
	return nil
}

// Complete records the outcome of a command. sessionID fills in the session
// for requests that created one.
func (r *SessionCommandRepo) Complete(ctx context.Context, id, sessionID, status, resultJSON, errText string) error {
	now := formatTimestamp(nowUTC())
	res, err := r.db.ExecContext(ctx, `
UPDATE session_commands
SET session_id = CASE WHEN ? != '' THEN ? ELSE session_id END,
	status = ?, result_json = ?, error = ?, acked_at = ?, completed_at = ?
WHERE id = ?
`, sessionID, sessionID, status, resultJSON, errText, now, now, id)
	if err != nil {
		return fmt.Errorf("failed to complete session command %q: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read updated rows for session command %q: %w", id, err)
	}
	if affected == 0 {
		return fmt.Errorf("session command %q not found", id)
	}
	return nil
}

func (r *SessionCommandRepo) Get(ctx context.Context, id string) (*SessionCommand, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+commandColumns+` FROM session_commands WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session command %q: %w", id, err)
	}
	return cmd, nil
}

func (r *SessionCommandRepo) ListBySession(ctx context.Context, sessionID string, limit int) ([]*SessionCommand, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM session_commands
WHERE session_id = ?
ORDER BY created_at DESC
LIMIT ?
`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session commands: %w", err)
	}
	defer rows.Close()

	out := make([]*SessionCommand, 0, limit)
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session command: %w", err)
		}
		out = append(out, cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating session commands: %w", err)
	}
	return out, nil
}

func scanCommand(row rowScanner) (*SessionCommand, error) {
	var cmd SessionCommand
	var createdAtRaw, sentAtRaw, ackedAtRaw, completedAtRaw string
	if err := row.Scan(
		&cmd.ID,
		&cmd.SessionID,
		&cmd.Op,
		&cmd.PayloadJSON,
		&cmd.Status,
		&cmd.ResultJSON,
		&cmd.Error,
		&createdAtRaw,
		&sentAtRaw,
		&ackedAtRaw,
		&completedAtRaw,
	); err != nil {
		return nil, err
	}
	var err error
	if cmd.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if cmd.SentAt, err = parseOptionalTimestamp(sentAtRaw); err != nil {
		return nil, err
	}
	if cmd.AckedAt, err = parseOptionalTimestamp(ackedAtRaw); err != nil {
		return nil, err
	}
	if cmd.CompletedAt, err = parseOptionalTimestamp(completedAtRaw); err != nil {
		return nil, err
	}
	return &cmd, nil
}

func formatTimestampOrEmpty(ts time.Time) string {
	if ts.IsZero() {
		return ""
	}
	return formatTimestamp(ts)
}

func parseOptionalTimestamp(raw string) (time.Time, error) {
	if strings.TrimSpace(raw) == "" {
		return time.Time{}, nil
	}
	return parseTimestamp(raw)
}

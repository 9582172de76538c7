package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const sessionColumns = `id, owner, tool, command, args, pty, state, pid, exit_code, signal, error, output_bytes, created_at, started_at, ended_at, last_activity_at`

type SessionRepo struct {
	db *sql.DB
}

func NewSessionRepo(db *sql.DB) *SessionRepo {
	return &SessionRepo{db: db}
}

func (r *SessionRepo) Create(ctx context.Context, session *Session) error {
	if session.ID == "" {
		id, err := NewID()
		if err != nil {
			return err
		}
		session.ID = id
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = nowUTC()
	}
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = session.CreatedAt
	}
	args, err := encodeStringSlice(session.Args)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
INSERT INTO sessions (`+sessionColumns+`)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		session.ID,
		session.Owner,
		session.Tool,
		session.Command,
		args,
		boolToInt(session.PTY),
		session.State,
		session.PID,
		nullableInt(session.ExitCode),
		session.Signal,
		session.Error,
		session.OutputBytes,
		formatTimestamp(session.CreatedAt),
		formatTimestampOrEmpty(session.StartedAt),
		formatTimestampOrEmpty(session.EndedAt),
		formatTimestamp(session.LastActivityAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

func (r *SessionRepo) Get(ctx context.Context, id string) (*Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSession(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get session %q: %w", id, err)
	}
	return s, nil
}

func (r *SessionRepo) List(ctx context.Context, filter SessionFilter) ([]*Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	where := []string{}

	if filter.Owner != "" {
		where = append(where, "owner = ?")
		args = append(args, filter.Owner)
	}
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, filter.State)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []*Session{}
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed while iterating sessions: %w", err)
	}
	return sessions, nil
}

// Update overwrites the mutable lifecycle columns of a session.
func (r *SessionRepo) Update(ctx context.Context, session *Session) error {
	if session.LastActivityAt.IsZero() {
		session.LastActivityAt = nowUTC()
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE sessions
SET state = ?, pid = ?, exit_code = ?, signal = ?, error = ?, output_bytes = ?, started_at = ?, ended_at = ?, last_activity_at = ?
WHERE id = ?
`,
		session.State,
		session.PID,
		nullableInt(session.ExitCode),
		session.Signal,
		session.Error,
		session.OutputBytes,
		formatTimestampOrEmpty(session.StartedAt),
		formatTimestampOrEmpty(session.EndedAt),
		formatTimestamp(session.LastActivityAt),
		session.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update session %q: %w", session.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read updated rows for session %q: %w", session.ID, err)
	}
	if affected == 0 {
		return fmt.Errorf("session %q not found", session.ID)
	}
	return nil
}

// Upsert creates the row or updates its lifecycle columns.
func (r *SessionRepo) Upsert(ctx context.Context, session *Session) error {
	existing, err := r.Get(ctx, session.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return r.Create(ctx, session)
	}
	return r.Update(ctx, session)
}

// MarkOrphaned fails every session that was still live when the server
// stopped. Processes never survive a restart.
func (r *SessionRepo) MarkOrphaned(ctx context.Context, reason string) (int64, error) {
	now := formatTimestamp(nowUTC())
	res, err := r.db.ExecContext(ctx, `
UPDATE sessions
SET state = 'failed', error = ?, ended_at = ?, last_activity_at = ?
WHERE state IN ('created', 'running')
`, reason, now, now)
	if err != nil {
		return 0, fmt.Errorf("failed to mark orphaned sessions: %w", err)
	}
	return res.RowsAffected()
}

// DeleteEndedBefore prunes history rows that finished before cutoff.
func (r *SessionRepo) DeleteEndedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
DELETE FROM sessions
WHERE ended_at != '' AND ended_at < ?
`, formatTimestamp(cutoff))
	if err != nil {
		return 0, fmt.Errorf("failed to prune sessions: %w", err)
	}
	return res.RowsAffected()
}

func (r *SessionRepo) Delete(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete session %q: %w", id, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var argsRaw string
	var ptyInt int
	var exitCode sql.NullInt64
	var createdAtRaw, startedAtRaw, endedAtRaw, lastActivityAtRaw string

	if err := row.Scan(
		&s.ID,
		&s.Owner,
		&s.Tool,
		&s.Command,
		&argsRaw,
		&ptyInt,
		&s.State,
		&s.PID,
		&exitCode,
		&s.Signal,
		&s.Error,
		&s.OutputBytes,
		&createdAtRaw,
		&startedAtRaw,
		&endedAtRaw,
		&lastActivityAtRaw,
	); err != nil {
		return nil, err
	}

	var err error
	s.PTY = ptyInt != 0
	if exitCode.Valid {
		code := int(exitCode.Int64)
		s.ExitCode = &code
	}
	if s.Args, err = decodeStringSlice(argsRaw); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseTimestamp(createdAtRaw); err != nil {
		return nil, err
	}
	if s.StartedAt, err = parseOptionalTimestamp(startedAtRaw); err != nil {
		return nil, err
	}
	if s.EndedAt, err = parseOptionalTimestamp(endedAtRaw); err != nil {
		return nil, err
	}
	if s.LastActivityAt, err = parseTimestamp(lastActivityAtRaw); err != nil {
		return nil, err
	}
	return &s, nil
}

func nullableInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

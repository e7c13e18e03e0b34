// SPDX-License-Identifier: MIT

package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/shiftcam/shiftcam/internal/persistence/sqlite"
)

const schemaVersion = 1

// Store is the persistence contract for streaming sessions.
type Store interface {
	Start(ctx context.Context, userID string) (*Session, error)
	Stop(ctx context.Context, userID, reason string) (*Session, error)
	ActiveFor(ctx context.Context, userID string) (*Session, error)
	ActiveCount(ctx context.Context) (int, error)
	LatestFor(ctx context.Context, emails []string) ([]BatchStatusEntry, error)
}

// SqliteStore implements Store on SQLite.
type SqliteStore struct {
	DB *sql.DB
}

// NewSqliteStore opens the database at dbPath and runs migrations.
func NewSqliteStore(dbPath string) (*SqliteStore, error) {
	db, err := sqlite.Open(dbPath, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}

	s := &SqliteStore{DB: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("session store: migration failed: %w", err)
	}

	return s, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}

	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS streaming_sessions (
		session_id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		room TEXT NOT NULL,
		started_at_ms INTEGER NOT NULL,
		stopped_at_ms INTEGER,
		stop_reason TEXT
	);

	-- The "at most one active session per user" invariant lives here, not in
	-- application code, so it holds under concurrent writers.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_active
		ON streaming_sessions(user_id) WHERE stopped_at_ms IS NULL;

	CREATE INDEX IF NOT EXISTS idx_sessions_user_started
		ON streaming_sessions(user_id, started_at_ms DESC);

	CREATE TABLE IF NOT EXISTS supervisor_assignments (
		user_id TEXT PRIMARY KEY,
		supervisor_id TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_assignments_supervisor
		ON supervisor_assignments(supervisor_id);
	`

	if _, err := tx.Exec(schema); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}

	return tx.Commit()
}

// Start opens a new session for userID. The partial unique index rejects a
// second active session; that conflict surfaces as ErrAlreadyActive.
func (s *SqliteStore) Start(ctx context.Context, userID string) (*Session, error) {
	userID = strings.ToLower(strings.TrimSpace(userID))
	now := time.Now()
	rec := &Session{
		ID:        uuid.NewString(),
		UserID:    userID,
		Room:      "shiftcam-" + userID,
		StartedAt: now,
	}

	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO streaming_sessions (session_id, user_id, room, started_at_ms) VALUES (?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.Room, now.UnixMilli(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyActive
		}
		return nil, err
	}
	return rec, nil
}

// Stop closes the active session for userID. Stopping an already-stopped user
// is a no-op returning the latest closed record.
func (s *SqliteStore) Stop(ctx context.Context, userID, reason string) (*Session, error) {
	userID = strings.ToLower(strings.TrimSpace(userID))

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rec, err := scanSession(tx.QueryRowContext(ctx,
		`SELECT session_id, user_id, room, started_at_ms, stopped_at_ms, stop_reason
		 FROM streaming_sessions WHERE user_id = ? AND stopped_at_ms IS NULL`, userID))
	if err != nil {
		return nil, err
	}

	if rec == nil {
		// Idempotent stop: hand back the most recent closed record.
		rec, err = scanSession(tx.QueryRowContext(ctx,
			`SELECT session_id, user_id, room, started_at_ms, stopped_at_ms, stop_reason
			 FROM streaming_sessions WHERE user_id = ?
			 ORDER BY started_at_ms DESC LIMIT 1`, userID))
		if err != nil {
			return nil, err
		}
		if rec == nil {
			return nil, ErrNotFound
		}
		return rec, tx.Commit()
	}

	now := time.Now()
	if _, err := tx.ExecContext(ctx,
		`UPDATE streaming_sessions SET stopped_at_ms = ?, stop_reason = ? WHERE session_id = ?`,
		now.UnixMilli(), reason, rec.ID,
	); err != nil {
		return nil, err
	}

	rec.StoppedAt = now
	rec.StopReason = reason
	return rec, tx.Commit()
}

// ActiveFor returns the active session for userID, or nil when none exists.
func (s *SqliteStore) ActiveFor(ctx context.Context, userID string) (*Session, error) {
	userID = strings.ToLower(strings.TrimSpace(userID))
	return scanSession(s.DB.QueryRowContext(ctx,
		`SELECT session_id, user_id, room, started_at_ms, stopped_at_ms, stop_reason
		 FROM streaming_sessions WHERE user_id = ? AND stopped_at_ms IS NULL`, userID))
}

// ActiveCount returns the number of currently open sessions.
func (s *SqliteStore) ActiveCount(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM streaming_sessions WHERE stopped_at_ms IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("session store: active count: %w", err)
	}
	return n, nil
}

// LatestFor resolves current plus last-known state for each email. Unknown
// emails yield an entry with no session rather than failing the batch.
func (s *SqliteStore) LatestFor(ctx context.Context, emails []string) ([]BatchStatusEntry, error) {
	out := make([]BatchStatusEntry, 0, len(emails))
	for _, email := range emails {
		userID := strings.ToLower(strings.TrimSpace(email))
		rec, err := scanSession(s.DB.QueryRowContext(ctx,
			`SELECT session_id, user_id, room, started_at_ms, stopped_at_ms, stop_reason
			 FROM streaming_sessions WHERE user_id = ?
			 ORDER BY started_at_ms DESC LIMIT 1`, userID))
		if err != nil {
			return nil, err
		}

		entry := BatchStatusEntry{Email: userID}
		if rec != nil {
			entry.HasActiveSession = rec.Active()
			entry.LastSession = &LastSession{
				StopReason: rec.StopReason,
				StoppedAt:  rec.StoppedAt,
			}
		}
		out = append(out, entry)
	}
	return out, nil
}

// ReassignSupervisor moves the given users from one supervisor to another in a
// single transaction. The update is all-or-nothing: a row-count mismatch rolls
// everything back.
func (s *SqliteStore) ReassignSupervisor(ctx context.Context, from, to string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := strings.Repeat("?,", len(userIDs))
	placeholders = placeholders[:len(placeholders)-1]

	args := make([]any, 0, len(userIDs)+2)
	args = append(args, to, from)
	for _, id := range userIDs {
		args = append(args, strings.ToLower(strings.TrimSpace(id)))
	}

	res, err := tx.ExecContext(ctx,
		fmt.Sprintf(`UPDATE supervisor_assignments SET supervisor_id = ?
			 WHERE supervisor_id = ? AND user_id IN (%s)`, placeholders),
		args...,
	)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != int64(len(userIDs)) {
		return fmt.Errorf("%w: updated %d of %d", ErrReassignMismatch, affected, len(userIDs))
	}

	return tx.Commit()
}

// AssignSupervisor records or replaces the supervisor for a user.
func (s *SqliteStore) AssignSupervisor(ctx context.Context, userID, supervisorID string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO supervisor_assignments (user_id, supervisor_id) VALUES (?, ?)
		 ON CONFLICT(user_id) DO UPDATE SET supervisor_id = excluded.supervisor_id`,
		strings.ToLower(strings.TrimSpace(userID)), supervisorID,
	)
	return err
}

func scanSession(row *sql.Row) (*Session, error) {
	var rec Session
	var startedAt int64
	var stoppedAt sql.NullInt64
	var stopReason sql.NullString

	err := row.Scan(&rec.ID, &rec.UserID, &rec.Room, &startedAt, &stoppedAt, &stopReason)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}

	rec.StartedAt = time.UnixMilli(startedAt)
	if stoppedAt.Valid {
		rec.StoppedAt = time.UnixMilli(stoppedAt.Int64)
	}
	if stopReason.Valid {
		rec.StopReason = stopReason.String
	}
	return &rec, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

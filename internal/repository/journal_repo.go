// Package repository persists the session lifecycle journal.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/agentease/streamrelay/internal/model"
)

// DefaultListLimit bounds ListByUser when no limit is given.
const DefaultListLimit = 50

// JournalRepository records session starts, worker exits and session ends.
type JournalRepository struct {
	db *sql.DB
}

// NewJournalRepository creates a new JournalRepository.
func NewJournalRepository(db *sql.DB) *JournalRepository {
	return &JournalRepository{db: db}
}

// RecordStart journals a new session. Reusing the ID of an ended session
// starts its history afresh.
func (r *JournalRepository) RecordStart(ctx context.Context, s model.Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM worker_exits WHERE session_id = ?`, s.ID); err != nil {
		return fmt.Errorf("failed to reset worker exits: %w", err)
	}

	query := `
		INSERT INTO sessions (id, user_id, stream_ref, status, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			stream_ref = excluded.stream_ref,
			status = excluded.status,
			end_reason = NULL,
			started_at = excluded.started_at,
			ended_at = NULL,
			updated_at = excluded.updated_at
	`
	_, err = tx.ExecContext(ctx, query,
		s.ID,
		s.UserID,
		s.StreamRef,
		model.JournalStatusActive,
		s.StartedAt,
		time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to record session start: %w", err)
	}

	return tx.Commit()
}

// RecordWorkerExit journals one worker exit of a session.
func (r *JournalRepository) RecordWorkerExit(ctx context.Context, sessionID string, generation uint64, exitCode int, timedOut bool) error {
	query := `
		INSERT INTO worker_exits (session_id, generation, exit_code, timed_out, exited_at)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := r.db.ExecContext(ctx, query, sessionID, int64(generation), exitCode, timedOut, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record worker exit: %w", err)
	}
	return nil
}

// RecordEnd marks a session ended.
func (r *JournalRepository) RecordEnd(ctx context.Context, sessionID, reason string) error {
	now := time.Now().UTC()
	query := `
		UPDATE sessions
		SET status = ?, end_reason = ?, ended_at = ?, updated_at = ?
		WHERE id = ?
	`
	result, err := r.db.ExecContext(ctx, query, model.JournalStatusEnded, reason, now, now, sessionID)
	if err != nil {
		return fmt.Errorf("failed to record session end: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return model.ErrSessionNotFound
	}
	return nil
}

// MarkInterrupted closes the history of sessions left active by a previous
// process. Sessions do not survive a restart.
func (r *JournalRepository) MarkInterrupted(ctx context.Context) (int64, error) {
	now := time.Now().UTC()
	query := `
		UPDATE sessions
		SET status = ?, end_reason = 'process_restart', ended_at = ?, updated_at = ?
		WHERE status = ?
	`
	result, err := r.db.ExecContext(ctx, query, model.JournalStatusInterrupted, now, now, model.JournalStatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to mark interrupted sessions: %w", err)
	}
	return result.RowsAffected()
}

const selectRecord = `
	SELECT s.id, s.user_id, s.stream_ref, s.status, s.end_reason, s.started_at, s.ended_at,
		(SELECT COUNT(*) FROM worker_exits w WHERE w.session_id = s.id),
		(SELECT w.exit_code FROM worker_exits w WHERE w.session_id = s.id ORDER BY w.id DESC LIMIT 1)
	FROM sessions s
`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*model.SessionRecord, error) {
	record := &model.SessionRecord{}
	var endReason sql.NullString
	var endedAt sql.NullTime
	var lastExit sql.NullInt64

	err := row.Scan(
		&record.ID,
		&record.UserID,
		&record.StreamRef,
		&record.Status,
		&endReason,
		&record.StartedAt,
		&endedAt,
		&record.WorkerExits,
		&lastExit,
	)
	if err != nil {
		return nil, err
	}

	if endReason.Valid {
		record.EndReason = endReason.String
	}
	if endedAt.Valid {
		t := endedAt.Time
		record.EndedAt = &t
	}
	if lastExit.Valid {
		code := int(lastExit.Int64)
		record.LastExitCode = &code
	}
	return record, nil
}

// GetByID retrieves the journal record of a session.
func (r *JournalRepository) GetByID(ctx context.Context, id string) (*model.SessionRecord, error) {
	record, err := scanRecord(r.db.QueryRowContext(ctx, selectRecord+` WHERE s.id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session record: %w", err)
	}
	return record, nil
}

// ListByUser retrieves the most recent session records of a user, newest first.
func (r *JournalRepository) ListByUser(ctx context.Context, userID string, limit int) ([]*model.SessionRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	rows, err := r.db.QueryContext(ctx, selectRecord+` WHERE s.user_id = ? ORDER BY s.started_at DESC LIMIT ?`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list session records: %w", err)
	}
	defer rows.Close()

	records := make([]*model.SessionRecord, 0)
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session record: %w", err)
		}
		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session records: %w", err)
	}

	return records, nil
}

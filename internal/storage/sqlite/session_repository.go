package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/italolelis/seedbox_relay/internal/storage"
)

const sessionColumns = `id, requester_id, chat_id, job_id, engine, link, status_chat_id, status_message_id,
	state, delivered, skipped, failed, created_at, finished_at`

type SessionRepository struct {
	db  *sql.DB
	now func() time.Time
}

func NewSessionRepository(dbConn *sql.DB) *SessionRepository {
	return &SessionRepository{db: dbConn, now: time.Now}
}

func (r *SessionRepository) TrackSession(ctx context.Context, rec storage.SessionRecord) error {
	if rec.State == "" {
		rec.State = storage.StateActive
	}

	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, requester_id, chat_id, job_id, engine, link, status_chat_id, status_message_id, state, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.RequesterID, rec.ChatID, rec.JobID, rec.Engine, rec.Link,
		rec.StatusChatID, rec.StatusMessageID, rec.State, rec.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to insert session %s: %w", rec.ID, err)
	}

	return nil
}

func (r *SessionRepository) FinishSession(ctx context.Context, id string, summary storage.SessionSummary) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, delivered = ?, skipped = ?, failed = ?, finished_at = ?
		WHERE id = ?`,
		summary.State, summary.Delivered, summary.Skipped, summary.Failed,
		r.now().UTC().Format(time.RFC3339), id,
	)
	if err != nil {
		return fmt.Errorf("failed to finish session %s: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to finish session %s: %w", id, err)
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

func (r *SessionRepository) GetSession(ctx context.Context, id string) (storage.SessionRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)

	rec, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.SessionRecord{}, storage.ErrNotFound
	}

	return rec, err
}

func (r *SessionRepository) GetActiveSessions(ctx context.Context) ([]storage.SessionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE state = ? ORDER BY created_at`, storage.StateActive)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

func (r *SessionRepository) GetRecentSessions(ctx context.Context, requesterID string, limit int) ([]storage.SessionRecord, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE requester_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`,
		requesterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions of %s: %w", requesterID, err)
	}
	defer rows.Close()

	return collectSessions(rows)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(s scanner) (storage.SessionRecord, error) {
	var (
		rec                     storage.SessionRecord
		jobID, link, statusChat sql.NullString
		statusMessage           sql.NullInt64
		createdAt               string
		finishedAt              sql.NullString
	)

	err := s.Scan(&rec.ID, &rec.RequesterID, &rec.ChatID, &jobID, &rec.Engine, &link, &statusChat, &statusMessage,
		&rec.State, &rec.Delivered, &rec.Skipped, &rec.Failed, &createdAt, &finishedAt)
	if err != nil {
		return storage.SessionRecord{}, err
	}

	rec.JobID = jobID.String
	rec.Link = link.String
	rec.StatusChatID = statusChat.String
	rec.StatusMessageID = statusMessage.Int64

	rec.CreatedAt, err = time.Parse(time.RFC3339, createdAt)
	if err != nil {
		return storage.SessionRecord{}, fmt.Errorf("failed to parse created_at of %s: %w", rec.ID, err)
	}

	if finishedAt.Valid {
		rec.FinishedAt, err = time.Parse(time.RFC3339, finishedAt.String)
		if err != nil {
			return storage.SessionRecord{}, fmt.Errorf("failed to parse finished_at of %s: %w", rec.ID, err)
		}
	}

	return rec, nil
}

func collectSessions(rows *sql.Rows) ([]storage.SessionRecord, error) {
	var out []storage.SessionRecord

	for rows.Next() {
		rec, err := scanSession(rows)
		if err != nil {
			return nil, err
		}

		out = append(out, rec)
	}

	return out, rows.Err()
}

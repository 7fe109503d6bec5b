package sqlite

import (
	"context"
	"database/sql"

	"github.com/italolelis/seedbox_relay/internal/storage"
	"github.com/italolelis/seedbox_relay/internal/telemetry"
)

// InstrumentedSessionRepository wraps SessionRepository with telemetry.
type InstrumentedSessionRepository struct {
	repo      *SessionRepository
	telemetry *telemetry.Telemetry
}

func NewInstrumentedSessionRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedSessionRepository {
	return &InstrumentedSessionRepository{
		repo:      NewSessionRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedSessionRepository) TrackSession(ctx context.Context, rec storage.SessionRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "track_session", func(ctx context.Context) error {
		return r.repo.TrackSession(ctx, rec)
	})
}

func (r *InstrumentedSessionRepository) FinishSession(ctx context.Context, id string, summary storage.SessionSummary) error {
	return r.telemetry.InstrumentDBOperation(ctx, "finish_session", func(ctx context.Context) error {
		return r.repo.FinishSession(ctx, id, summary)
	})
}

func (r *InstrumentedSessionRepository) GetSession(ctx context.Context, id string) (storage.SessionRecord, error) {
	var result storage.SessionRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_session", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetSession(ctx, id)

		return err
	})
	if err != nil {
		return storage.SessionRecord{}, err
	}

	return result, nil
}

func (r *InstrumentedSessionRepository) GetActiveSessions(ctx context.Context) ([]storage.SessionRecord, error) {
	var result []storage.SessionRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_active_sessions", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetActiveSessions(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (r *InstrumentedSessionRepository) GetRecentSessions(ctx context.Context, requesterID string, limit int) ([]storage.SessionRecord, error) {
	var result []storage.SessionRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_recent_sessions", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetRecentSessions(ctx, requesterID, limit)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session record does not exist.
var ErrNotFound = errors.New("session record not found")

// Session record states.
const (
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
	StateCancelled = "cancelled"
	StateAbandoned = "abandoned"
)

// SessionRecord is the persisted history of one download session.
type SessionRecord struct {
	ID              string
	RequesterID     string
	ChatID          string
	JobID           string
	Engine          string
	Link            string
	StatusChatID    string
	StatusMessageID int64
	State           string
	Delivered       int
	Skipped         int
	Failed          int
	CreatedAt       time.Time
	FinishedAt      time.Time
}

// SessionSummary is what a finished session reports back to its record.
type SessionSummary struct {
	State     string
	Delivered int
	Skipped   int
	Failed    int
}

type SessionReadRepository interface {
	GetSession(ctx context.Context, id string) (SessionRecord, error)
	GetActiveSessions(ctx context.Context) ([]SessionRecord, error)
	GetRecentSessions(ctx context.Context, requesterID string, limit int) ([]SessionRecord, error)
}

type SessionWriteRepository interface {
	TrackSession(ctx context.Context, rec SessionRecord) error
	FinishSession(ctx context.Context, id string, summary SessionSummary) error
}

type SessionRepository interface {
	SessionReadRepository
	SessionWriteRepository
}

package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/seedbox_relay/internal/chat"
)

var (
	// ErrSessionActive is returned when the requester already has a download in flight.
	ErrSessionActive = errors.New("a download is already in progress")

	// ErrNoSession is returned when the requester has no download in flight.
	ErrNoSession = errors.New("no active download")

	// ErrStarting is returned when a session is reserved but its monitor is not running yet.
	ErrStarting = errors.New("download is still starting")
)

// Session is a snapshot of a requester's in-flight download.
type Session struct {
	ID          string
	RequesterID string
	ChatID      string
	JobID       string
	Link        string
	Status      chat.MessageRef
	CreatedAt   time.Time

	cancel context.CancelCauseFunc
	done   <-chan struct{}
}

// Started reports whether a monitor owns the session.
func (s Session) Started() bool {
	return s.done != nil
}

// Done is closed once the monitor has finished, cleanup included.
func (s Session) Done() <-chan struct{} {
	return s.done
}

// Cancel stops the monitor with the given cause. It does not wait.
func (s Session) Cancel(cause error) bool {
	if s.cancel == nil {
		return false
	}

	s.cancel(cause)

	return true
}

// Binding attaches a started job and its monitor to a reserved session.
type Binding struct {
	JobID  string
	Link   string
	Status chat.MessageRef
	Cancel context.CancelCauseFunc
	Done   <-chan struct{}
}

// Registry holds at most one session per requester.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		now:      time.Now,
	}
}

// Reserve claims the requester's slot atomically.
func (r *Registry) Reserve(requesterID, chatID string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[requesterID]; ok {
		return Session{}, ErrSessionActive
	}

	s := &Session{
		ID:          uuid.NewString(),
		RequesterID: requesterID,
		ChatID:      chatID,
		CreatedAt:   r.now(),
	}
	r.sessions[requesterID] = s

	return *s, nil
}

// Bind records the job and monitor handle of a reserved session.
func (r *Registry) Bind(requesterID, sessionID string, b Binding) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[requesterID]
	if !ok || s.ID != sessionID {
		return Session{}, ErrNoSession
	}

	s.JobID = b.JobID
	s.Link = b.Link
	s.Status = b.Status
	s.cancel = b.Cancel
	s.done = b.Done

	return *s, nil
}

// Get returns a snapshot of the requester's session.
func (r *Registry) Get(requesterID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[requesterID]
	if !ok {
		return Session{}, false
	}

	return *s, true
}

// Release frees the requester's slot if it still belongs to sessionID.
func (r *Registry) Release(requesterID, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[requesterID]
	if !ok || s.ID != sessionID {
		return false
	}

	delete(r.sessions, requesterID)

	return true
}

// List returns snapshots of every session.
func (r *Registry) List() []Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, *s)
	}

	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.sessions)
}

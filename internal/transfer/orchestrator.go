package transfer

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/italolelis/seedbox_relay/internal/chat"
	"github.com/italolelis/seedbox_relay/internal/logctx"
	"github.com/italolelis/seedbox_relay/internal/notifier"
	"github.com/italolelis/seedbox_relay/internal/session"
	"github.com/italolelis/seedbox_relay/internal/storage"
	"github.com/italolelis/seedbox_relay/internal/telemetry"
)

// SessionPolicy decides what happens when a requester asks for a second download.
type SessionPolicy string

const (
	PolicyReject  SessionPolicy = "reject"
	PolicyReplace SessionPolicy = "replace"
)

const (
	defaultPollInterval   = 2 * time.Second
	defaultProgressStep   = 10
	defaultCleanupTimeout = time.Minute
)

// Request asks for a link to be downloaded and delivered to a chat.
type Request struct {
	RequesterID string
	ChatID      string
	Link        string
}

// Options tunes the Orchestrator. Zero values fall back to defaults; History, Notifier and
// Telemetry are optional.
type Options struct {
	EngineName     string
	PollInterval   time.Duration
	ProgressStep   int
	Policy         SessionPolicy
	CleanupTimeout time.Duration
	History        storage.SessionRepository
	Notifier       notifier.Notifier
	Telemetry      *telemetry.Telemetry
}

// Orchestrator starts downloads, runs one progress monitor per session and routes
// cancellation to them.
type Orchestrator struct {
	ctx        context.Context
	engine     Engine
	sessions   *session.Registry
	messenger  chat.Messenger
	dispatcher Dispatcher
	cleaner    Cleaner
	opts       Options

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator whose monitors live as long as ctx.
func NewOrchestrator(
	ctx context.Context,
	engine Engine,
	sessions *session.Registry,
	messenger chat.Messenger,
	dispatcher Dispatcher,
	cleaner Cleaner,
	opts Options,
) *Orchestrator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}

	if opts.ProgressStep <= 0 {
		opts.ProgressStep = defaultProgressStep
	}

	if opts.Policy == "" {
		opts.Policy = PolicyReject
	}

	if opts.CleanupTimeout <= 0 {
		opts.CleanupTimeout = defaultCleanupTimeout
	}

	return &Orchestrator{
		ctx:        ctx,
		engine:     engine,
		sessions:   sessions,
		messenger:  messenger,
		dispatcher: dispatcher,
		cleaner:    cleaner,
		opts:       opts,
	}
}

// Start validates the link, reserves the requester's slot, submits the job and spawns its
// monitor. On any error no session is left behind.
func (o *Orchestrator) Start(ctx context.Context, req Request) (session.Session, error) {
	ctx, logger := logctx.With(ctx, "requester_id", req.RequesterID)

	link, err := ParseLink(req.Link)
	if err != nil {
		return session.Session{}, err
	}

	s, err := o.reserve(ctx, req)
	if err != nil {
		return session.Session{}, err
	}

	ctx, logger = logctx.With(ctx, "session_id", s.ID)

	status, err := o.messenger.Send(ctx, req.ChatID, RequestedText(link))
	if err != nil {
		o.sessions.Release(req.RequesterID, s.ID)

		return session.Session{}, fmt.Errorf("failed to post status message: %w", err)
	}

	jobID, err := o.engine.Submit(ctx, link)
	if err != nil {
		logger.Error("failed to submit download", "link", link.Redacted(), "err", err)

		if delErr := o.messenger.Delete(ctx, status); delErr != nil {
			logger.Warn("failed to delete status message", "err", delErr)
		}

		o.sessions.Release(req.RequesterID, s.ID)

		return session.Session{}, err
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closing {
		o.abort(ctx, s, jobID, status)

		return session.Session{}, ErrShuttingDown
	}

	monitorCtx, cancel := context.WithCancelCause(logctx.WithLogger(o.ctx, logger.With("job_id", jobID)))
	done := make(chan struct{})

	s, err = o.sessions.Bind(req.RequesterID, s.ID, session.Binding{
		JobID:  jobID,
		Link:   link.Redacted(),
		Status: status,
		Cancel: cancel,
		Done:   done,
	})
	if err != nil {
		cancel(err)
		o.abort(ctx, s, jobID, status)

		return session.Session{}, err
	}

	o.track(ctx, s)
	o.opts.Telemetry.SessionStarted(ctx)

	o.wg.Add(1)

	go o.watch(monitorCtx, s, done)

	logger.Info("download started", "job_id", jobID, "link", link.Redacted())

	return s, nil
}

func (o *Orchestrator) reserve(ctx context.Context, req Request) (session.Session, error) {
	s, err := o.sessions.Reserve(req.RequesterID, req.ChatID)
	if !errors.Is(err, session.ErrSessionActive) || o.opts.Policy != PolicyReplace {
		return s, err
	}

	logctx.LoggerFromContext(ctx).Info("replacing active download")

	if err := o.cancel(ctx, req.RequesterID, ErrReplaced); err != nil {
		switch {
		case errors.Is(err, session.ErrNoSession):
		case errors.Is(err, session.ErrStarting):
			return session.Session{}, session.ErrSessionActive
		default:
			return session.Session{}, err
		}
	}

	return o.sessions.Reserve(req.RequesterID, req.ChatID)
}

// abort undoes a submitted job that never got a monitor.
func (o *Orchestrator) abort(ctx context.Context, s session.Session, jobID string, status chat.MessageRef) {
	logger := logctx.LoggerFromContext(ctx)
	ctx = context.WithoutCancel(ctx)

	if err := o.engine.Remove(ctx, jobID); err != nil {
		logger.Error("failed to remove aborted job", "job_id", jobID, "err", err)
	}

	if err := o.messenger.Edit(ctx, status, ShutdownText()); err != nil {
		logger.Warn("failed to edit status message", "err", err)
	}

	o.sessions.Release(s.RequesterID, s.ID)
}

// Cancel stops the requester's download and returns once its cleanup has finished.
func (o *Orchestrator) Cancel(ctx context.Context, requesterID string) error {
	return o.cancel(ctx, requesterID, ErrCancelled)
}

func (o *Orchestrator) cancel(ctx context.Context, requesterID string, cause error) error {
	s, ok := o.sessions.Get(requesterID)
	if !ok {
		return session.ErrNoSession
	}

	if !s.Started() {
		return session.ErrStarting
	}

	s.Cancel(cause)

	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status returns the requester's session and a fresh observation of its job.
func (o *Orchestrator) Status(ctx context.Context, requesterID string) (session.Session, *JobState, error) {
	s, ok := o.sessions.Get(requesterID)
	if !ok {
		return session.Session{}, nil, session.ErrNoSession
	}

	if !s.Started() {
		return s, &JobState{Phase: PhaseQueued}, nil
	}

	state, err := o.engine.Query(ctx, s.JobID)
	if err != nil {
		return s, nil, err
	}

	return s, state, nil
}

// Shutdown stops every monitor and waits for their cleanup, or for ctx to expire.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()

	for _, s := range o.sessions.List() {
		s.Cancel(ErrShuttingDown)
	}

	done := make(chan struct{})

	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("monitors still running: %w", ctx.Err())
	}
}

// Owns reports whether path lies in the directory of a live session's job. Any live session
// whose directory cannot be located owns every path.
func (o *Orchestrator) Owns(path string) bool {
	locator, _ := o.engine.(JobLocator)
	path = filepath.Clean(path)

	for _, s := range o.sessions.List() {
		if s.JobID == "" || locator == nil {
			return true
		}

		dir := locator.JobDir(s.JobID)
		if dir == "" || within(path, filepath.Clean(dir)) {
			return true
		}
	}

	return false
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// Reconcile settles sessions a previous process left active: their job is removed, their
// status message marked abandoned and their record closed.
func (o *Orchestrator) Reconcile(ctx context.Context) error {
	if o.opts.History == nil {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)

	records, err := o.opts.History.GetActiveSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active sessions: %w", err)
	}

	for _, rec := range records {
		logger := logger.With("session_id", rec.ID, "job_id", rec.JobID)

		if rec.JobID != "" && rec.Engine == o.opts.EngineName {
			if err := o.cleaner.Cleanup(ctx, rec.JobID, nil); err != nil {
				logger.Error("failed to clean up abandoned session", "err", err)
			}
		}

		if rec.StatusMessageID != 0 {
			ref := chat.MessageRef{ChatID: rec.StatusChatID, MessageID: rec.StatusMessageID}
			if err := o.messenger.Edit(ctx, ref, AbandonedText()); err != nil {
				logger.Warn("failed to edit status message", "err", err)
			}
		}

		if err := o.opts.History.FinishSession(ctx, rec.ID, storage.SessionSummary{State: storage.StateAbandoned}); err != nil {
			logger.Error("failed to close abandoned session", "err", err)

			continue
		}

		logger.Info("abandoned session reconciled")
	}

	return nil
}

func (o *Orchestrator) track(ctx context.Context, s session.Session) {
	if o.opts.History == nil {
		return
	}

	err := o.opts.History.TrackSession(ctx, storage.SessionRecord{
		ID:              s.ID,
		RequesterID:     s.RequesterID,
		ChatID:          s.ChatID,
		JobID:           s.JobID,
		Engine:          o.opts.EngineName,
		Link:            s.Link,
		StatusChatID:    s.Status.ChatID,
		StatusMessageID: s.Status.MessageID,
		CreatedAt:       s.CreatedAt,
	})
	if err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to record session", "err", err)
	}
}

package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/italolelis/seedbox_relay/internal/logctx"
	"github.com/italolelis/seedbox_relay/internal/progress"
	"github.com/italolelis/seedbox_relay/internal/session"
	"github.com/italolelis/seedbox_relay/internal/storage"
)

const editTimeout = 15 * time.Second

// monitor is the state of one session's polling loop. It is only touched by its goroutine.
type monitor struct {
	o          *Orchestrator
	s          session.Session
	logger     *slog.Logger
	lastBucket int
	artifacts  []Artifact
	report     *Report
	outcome    string
}

func (o *Orchestrator) watch(ctx context.Context, s session.Session, done chan struct{}) {
	m := &monitor{
		o:       o,
		s:       s,
		logger:  logctx.LoggerFromContext(ctx),
		outcome: storage.StateFailed,
	}
	start := time.Now()

	defer o.wg.Done()
	defer m.record(ctx, start)
	defer close(done)
	defer m.cleanup(ctx)
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("progress monitor panicked", "panic", r, "stack", string(debug.Stack()))
			o.opts.Telemetry.RecordSystemError(ctx, "progress_monitor", "panic")

			m.outcome = storage.StateFailed
			m.edit(ctx, PanicText())
		}
	}()

	m.run(ctx)
}

func (m *monitor) run(ctx context.Context) {
	ticker := time.NewTicker(m.o.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.cancelled(ctx)

			return
		case <-ticker.C:
			// Both channels may be ready; a cancelled session must not poll again.
			if ctx.Err() != nil {
				m.cancelled(ctx)

				return
			}

			if m.poll(ctx) {
				return
			}
		}
	}
}

// poll observes the job once and reports whether the session reached a terminal state.
func (m *monitor) poll(ctx context.Context) bool {
	state, err := m.o.engine.Query(ctx, m.s.JobID)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			m.cancelled(ctx)
		case errors.Is(err, ErrJobNotFound):
			m.logger.Warn("job disappeared from the engine", "err", err)
			m.edit(ctx, RemovedText())
		default:
			m.logger.Error("engine unreachable, stopping monitor", "err", err)
			m.edit(ctx, UnreachableText())
		}

		return true
	}

	switch state.Phase {
	case PhaseActive:
		m.progress(ctx, state)

		return false
	case PhaseComplete:
		m.complete(ctx, state)

		return true
	case PhaseError:
		m.logger.Warn("engine reported job failure", "message", state.Message)
		m.edit(ctx, FailedText(state.Message))

		return true
	default:
		return false
	}
}

func (m *monitor) progress(ctx context.Context, state *JobState) {
	bucket := progress.Bucket(state.Percent(), m.o.opts.ProgressStep)
	if bucket <= m.lastBucket {
		return
	}

	m.lastBucket = bucket
	m.edit(ctx, ProgressText(state))
}

func (m *monitor) complete(ctx context.Context, state *JobState) {
	m.artifacts = state.Artifacts
	m.logger.Info("download complete, dispatching", "artifacts", len(state.Artifacts))
	m.edit(ctx, ProcessingText(state))

	report := m.o.dispatcher.Dispatch(ctx, m.s.ChatID, state.Artifacts)
	m.report = report

	switch report.Outcome {
	case OutcomeCancelled:
		m.cancelled(ctx)

		return
	case OutcomeFailed:
		m.outcome = storage.StateFailed
	default:
		m.outcome = storage.StateCompleted
	}

	m.logger.Info("dispatch finished",
		"outcome", report.Outcome,
		"delivered", len(report.Delivered),
		"skipped", len(report.Skipped),
		"failed", len(report.Failed),
	)
	m.edit(ctx, ReportText(report))
}

func (m *monitor) cancelled(ctx context.Context) {
	m.outcome = storage.StateCancelled

	cause := context.Cause(ctx)
	m.logger.Info("download cancelled", "cause", cause)

	switch {
	case errors.Is(cause, ErrCancelled):
		m.edit(ctx, CancelledText())
	case errors.Is(cause, ErrReplaced):
		m.edit(ctx, ReplacedText())
	default:
		m.edit(ctx, ShutdownText())
	}
}

// edit updates the status message even when the session context is already cancelled.
func (m *monitor) edit(ctx context.Context, text string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), editTimeout)
	defer cancel()

	if err := m.o.messenger.Edit(ctx, m.s.Status, text); err != nil {
		m.logger.Warn("failed to edit status message", "err", err)
	}
}

// cleanup releases engine and local resources, then frees the requester's slot.
func (m *monitor) cleanup(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.o.opts.CleanupTimeout)
	defer cancel()

	if err := m.o.cleaner.Cleanup(ctx, m.s.JobID, m.artifacts); err != nil {
		m.logger.Error("failed to clean up session", "err", err)
	}

	m.o.sessions.Release(m.s.RequesterID, m.s.ID)
}

func (m *monitor) record(ctx context.Context, start time.Time) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), editTimeout)
	defer cancel()

	m.o.opts.Telemetry.SessionFinished(ctx, m.outcome, time.Since(start))

	summary := storage.SessionSummary{State: m.outcome}
	if m.report != nil {
		summary.Delivered = len(m.report.Delivered)
		summary.Skipped = len(m.report.Skipped)
		summary.Failed = len(m.report.Failed)
	}

	if m.o.opts.History != nil {
		if err := m.o.opts.History.FinishSession(ctx, m.s.ID, summary); err != nil {
			m.logger.Error("failed to record session outcome", "err", err)
		}
	}

	if m.o.opts.Notifier != nil {
		if err := m.o.opts.Notifier.Notify(ctx, notice(m.s, summary)); err != nil {
			m.logger.Warn("failed to send ops notification", "err", err)
		}
	}

	m.logger.Info("session finished", "outcome", m.outcome, "duration", time.Since(start))
}

func notice(s session.Session, summary storage.SessionSummary) string {
	icon := "✅"

	switch summary.State {
	case storage.StateFailed:
		icon = "❌"
	case storage.StateCancelled:
		icon = "🛑"
	}

	return fmt.Sprintf("%s session %s for requester %s %s (delivered %d, skipped %d, failed %d)",
		icon, s.ID, s.RequesterID, summary.State, summary.Delivered, summary.Skipped, summary.Failed)
}

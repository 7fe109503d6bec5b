package transfer

import (
	"context"
	"time"
)

// Phase is the engine-reported lifecycle stage of a job.
type Phase string

const (
	PhaseQueued   Phase = "queued"
	PhaseActive   Phase = "active"
	PhaseComplete Phase = "complete"
	PhaseError    Phase = "error"
)

// Artifact is a file produced by a completed job. The engine's storage owns it until
// cleanup deletes it.
type Artifact struct {
	Path string
	Name string
	Size int64
}

// JobState is a point-in-time observation of a job.
type JobState struct {
	Phase        Phase
	Name         string
	Progress     float64 // percent, 0-100
	DownloadRate int64   // bytes per second
	ETA          time.Duration
	Message      string
	Artifacts    []Artifact
}

// Percent returns the progress truncated to an integer in [0, 100].
func (s *JobState) Percent() int {
	p := int(s.Progress)
	if p < 0 {
		return 0
	}

	if p > 100 {
		return 100
	}

	return p
}

// Engine is the contract every download backend implements. Implementations perform no retries.
type Engine interface {
	// Submit starts a job and returns its engine-side identifier.
	Submit(ctx context.Context, link Link) (string, error)
	// Query observes the job. It returns ErrJobNotFound when the engine no longer knows it.
	Query(ctx context.Context, jobID string) (*JobState, error)
	// Remove deletes engine-side job state. Removing an unknown job is not an error.
	Remove(ctx context.Context, jobID string) error
}

// JobLocator is implemented by engines that know the local directory holding a job's files.
// JobDir returns "" when the directory is not known yet.
type JobLocator interface {
	JobDir(jobID string) string
}

// Outcome summarises a dispatch batch.
type Outcome string

const (
	OutcomeDelivered          Outcome = "delivered"
	OutcomePartial            Outcome = "partial"
	OutcomeNothingDeliverable Outcome = "nothing_deliverable"
	OutcomeFailed             Outcome = "failed"
	OutcomeCancelled          Outcome = "cancelled"
)

// Report is the result of dispatching a job's artifacts.
type Report struct {
	Outcome   Outcome
	Delivered []Artifact
	Skipped   []Artifact
	Failed    []*DeliveryError
	Limit     int64
}

// Attempts is the number of artifacts a delivery was attempted for.
func (r *Report) Attempts() int {
	return len(r.Delivered) + len(r.Failed)
}

// Dispatcher delivers a finished job's artifacts to a chat.
type Dispatcher interface {
	Dispatch(ctx context.Context, chatID string, artifacts []Artifact) *Report
}

// Cleaner releases engine and local resources of a session.
type Cleaner interface {
	Cleanup(ctx context.Context, jobID string, artifacts []Artifact) error
}

package transfer

import (
	"errors"
	"fmt"

	"github.com/italolelis/seedbox_relay/internal/session"
)

var (
	// ErrJobNotFound is returned by Query when the engine no longer knows the job,
	// usually because it was removed out of band.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobExists is returned by Submit when the engine is already running a job for the
	// same torrent.
	ErrJobExists = errors.New("this torrent is already being downloaded")

	// ErrCancelled is the cancellation cause used when a requester cancels a download.
	ErrCancelled = errors.New("download cancelled")

	// ErrReplaced is the cancellation cause used when a newer request replaces a download.
	ErrReplaced = errors.New("download replaced by a newer request")

	// ErrShuttingDown is the cancellation cause used when the service stops.
	ErrShuttingDown = errors.New("service shutting down")

	// ErrSessionActive and ErrNoSession are the session store's sentinels, re-exported so callers
	// only need this package to classify orchestrator errors.
	ErrSessionActive = session.ErrSessionActive
	ErrNoSession     = session.ErrNoSession
)

// InvalidLinkError represents input that is neither a magnet reference nor a
// resolvable URL, or a URL that does not resolve to torrent content.
type InvalidLinkError struct {
	Input  string // The raw input, redacted when it parsed as a URL
	Reason string // Human-readable explanation of why the link was rejected
	Err    error  // Underlying error, if any
}

func (e *InvalidLinkError) Error() string {
	return fmt.Sprintf("invalid link %q: %s", e.Input, e.Reason)
}

func (e *InvalidLinkError) Unwrap() error {
	return e.Err
}

// UnreachableError represents transport failures and API errors while talking
// to the transfer engine, including 5xx responses and connection timeouts.
type UnreachableError struct {
	Engine     string // The engine backend (e.g., "deluge", "putio")
	Operation  string // The operation that failed (e.g., "submit", "query")
	StatusCode int    // HTTP status code, if applicable (0 for non-HTTP errors)
	Err        error  // Underlying error, if any
}

func (e *UnreachableError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s engine unreachable during %s (HTTP %d): %v", e.Engine, e.Operation, e.StatusCode, e.Err)
	}

	return fmt.Sprintf("%s engine unreachable during %s: %v", e.Engine, e.Operation, e.Err)
}

func (e *UnreachableError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents the engine rejecting the configured credentials.
type AuthenticationError struct {
	Engine    string
	Operation string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("%s authentication failed during %s", e.Engine, e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// DeliveryError records a single artifact that could not be delivered.
type DeliveryError struct {
	Artifact Artifact
	Category string
	Err      error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("failed to deliver %s as %s: %v", e.Artifact.Name, e.Category, e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// IsUnreachable reports whether err means the engine could not be reached.
func IsUnreachable(err error) bool {
	var unreachable *UnreachableError

	return errors.As(err, &unreachable)
}

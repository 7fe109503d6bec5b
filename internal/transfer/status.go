package transfer

import (
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
)

// Texts shown on a session's status message. Every terminal path ends on one of these.

func RequestedText(link Link) string {
	if name := link.DisplayName(); name != "" {
		return "⏳ " + name + " requested, waiting for the engine…"
	}

	return "⏳ Download requested, waiting for the engine…"
}

func QueuedText(state *JobState) string {
	if state != nil && state.Name != "" {
		return "⏳ Queued: " + state.Name
	}

	return "⏳ Download queued, waiting for the engine…"
}

func ProgressText(state *JobState) string {
	var b strings.Builder

	b.WriteString("⬇️ Downloading")

	if state.Name != "" {
		b.WriteString(" " + state.Name)
	}

	fmt.Fprintf(&b, "\n%d%%", state.Percent())

	if state.DownloadRate > 0 {
		fmt.Fprintf(&b, " · %s/s", humanize.Bytes(uint64(state.DownloadRate)))
	}

	if state.ETA > 0 {
		fmt.Fprintf(&b, " · ETA %s", state.ETA.Round(time.Second))
	}

	return b.String()
}

// StatusText describes any observed state, used for on-demand status queries.
func StatusText(state *JobState) string {
	switch state.Phase {
	case PhaseQueued:
		return QueuedText(state)
	case PhaseActive:
		return ProgressText(state)
	case PhaseComplete:
		return ProcessingText(state)
	case PhaseError:
		return FailedText(state.Message)
	default:
		return "❔ Unknown download state"
	}
}

func ProcessingText(state *JobState) string {
	if state != nil && state.Name != "" {
		return "📦 " + state.Name + " finished, sending files…"
	}

	return "📦 Download finished, sending files…"
}

func FailedText(message string) string {
	if message == "" {
		return "❌ Download failed."
	}

	return "❌ Download failed: " + message
}

func RemovedText() string {
	return "❌ Download failed: the job was removed from the engine."
}

func UnreachableText() string {
	return "❌ Lost contact with the download engine. The download was stopped."
}

func CancelledText() string {
	return "🛑 Download cancelled."
}

func ReplacedText() string {
	return "🔁 Download replaced by a newer request."
}

func ShutdownText() string {
	return "🛑 Download stopped because the service is shutting down."
}

func PanicText() string {
	return "❌ Download stopped after an internal error."
}

func AbandonedText() string {
	return "⚠️ Download abandoned after a service restart."
}

// ReportText summarises a dispatch batch.
func ReportText(r *Report) string {
	limit := humanize.IBytes(uint64(r.Limit))
	total := len(r.Delivered) + len(r.Skipped) + len(r.Failed)

	switch r.Outcome {
	case OutcomeDelivered:
		return fmt.Sprintf("✅ Delivered %s.", files(len(r.Delivered)))
	case OutcomePartial:
		var b strings.Builder

		fmt.Fprintf(&b, "⚠️ Delivered %d of %s.", len(r.Delivered), files(total))

		if len(r.Skipped) > 0 {
			fmt.Fprintf(&b, "\nSkipped %s over %s: %s", files(len(r.Skipped)), limit, artifactNames(r.Skipped))
		}

		if len(r.Failed) > 0 {
			fmt.Fprintf(&b, "\nFailed to send %s.", files(len(r.Failed)))
		}

		return b.String()
	case OutcomeNothingDeliverable:
		if total == 0 {
			return "⚠️ The download finished but produced no files."
		}

		return fmt.Sprintf("⚠️ Nothing to send: every file is larger than %s.", limit)
	case OutcomeFailed:
		return fmt.Sprintf("❌ Could not send any of %s.", files(r.Attempts()))
	case OutcomeCancelled:
		return CancelledText()
	default:
		return "❔ Delivery finished."
	}
}

func files(n int) string {
	if n == 1 {
		return "1 file"
	}

	return fmt.Sprintf("%d files", n)
}

func artifactNames(artifacts []Artifact) string {
	names := make([]string, 0, len(artifacts))
	for _, a := range artifacts {
		names = append(names, a.Name)
	}

	return strings.Join(names, ", ")
}

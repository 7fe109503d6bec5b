package dispatch

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/seedbox_relay/internal/chat"
	"github.com/italolelis/seedbox_relay/internal/classify"
	"github.com/italolelis/seedbox_relay/internal/logctx"
	"github.com/italolelis/seedbox_relay/internal/telemetry"
	"github.com/italolelis/seedbox_relay/internal/transfer"
	"golang.org/x/time/rate"
)

// Classifier assigns a delivery category to a local file.
type Classifier interface {
	Classify(path string) classify.Category
}

// Pipeline filters, classifies and uploads a job's artifacts into a chat.
type Pipeline struct {
	messenger  chat.Messenger
	classifier Classifier
	maxSize    int64
	pacing     time.Duration
	telemetry  *telemetry.Telemetry
}

func New(messenger chat.Messenger, classifier Classifier, maxSize int64, pacing time.Duration, tel *telemetry.Telemetry) *Pipeline {
	return &Pipeline{
		messenger:  messenger,
		classifier: classifier,
		maxSize:    maxSize,
		pacing:     pacing,
		telemetry:  tel,
	}
}

// Dispatch delivers artifacts in engine order. A failed upload is recorded and the batch
// continues; cancellation stops it between uploads.
func (p *Pipeline) Dispatch(ctx context.Context, chatID string, artifacts []transfer.Artifact) *transfer.Report {
	logger := logctx.LoggerFromContext(ctx)
	report := &transfer.Report{Limit: p.maxSize}

	limit := rate.Inf
	if p.pacing > 0 {
		limit = rate.Every(p.pacing)
	}

	limiter := rate.NewLimiter(limit, 1)

	for _, artifact := range artifacts {
		if artifact.Size > p.maxSize {
			logger.Info("skipping artifact over the payload ceiling",
				"artifact", artifact.Name,
				"size", humanize.IBytes(uint64(artifact.Size)),
				"limit", humanize.IBytes(uint64(p.maxSize)),
			)
			p.telemetry.RecordDelivery(ctx, string(classify.Generic), "skipped", artifact.Size)

			report.Skipped = append(report.Skipped, artifact)

			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			report.Outcome = transfer.OutcomeCancelled

			return report
		}

		category := p.classifier.Classify(artifact.Path)

		if err := p.messenger.SendMedia(ctx, chatID, mediaFor(artifact, category)); err != nil {
			if ctx.Err() != nil {
				report.Outcome = transfer.OutcomeCancelled

				return report
			}

			logger.Error("failed to deliver artifact", "artifact", artifact.Name, "category", category, "err", err)
			p.telemetry.RecordDelivery(ctx, string(category), "error", artifact.Size)

			report.Failed = append(report.Failed, &transfer.DeliveryError{
				Artifact: artifact,
				Category: string(category),
				Err:      err,
			})

			continue
		}

		logger.Info("artifact delivered", "artifact", artifact.Name, "category", category)
		p.telemetry.RecordDelivery(ctx, string(category), "success", artifact.Size)

		report.Delivered = append(report.Delivered, artifact)
	}

	report.Outcome = outcome(report)

	return report
}

func outcome(r *transfer.Report) transfer.Outcome {
	switch {
	case r.Attempts() == 0:
		return transfer.OutcomeNothingDeliverable
	case len(r.Delivered) == 0:
		return transfer.OutcomeFailed
	case len(r.Skipped) == 0 && len(r.Failed) == 0:
		return transfer.OutcomeDelivered
	default:
		return transfer.OutcomePartial
	}
}

func mediaFor(artifact transfer.Artifact, category classify.Category) chat.Media {
	media := chat.Media{
		Path:    artifact.Path,
		Name:    artifact.Name,
		Caption: artifact.Name,
	}

	switch category {
	case classify.Video:
		media.Kind = chat.MediaVideo
	case classify.Audio:
		media.Kind = chat.MediaAudio
		media.Title = strings.TrimSuffix(artifact.Name, filepath.Ext(artifact.Name))
	case classify.Image:
		media.Kind = chat.MediaPhoto
	default:
		media.Kind = chat.MediaDocument
	}

	return media
}

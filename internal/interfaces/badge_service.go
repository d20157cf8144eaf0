package interfaces

import (
	"context"

	"github.com/aphrodite-media/aphrodite/internal/models"
)

// BadgeExtractor derives one badge payload from media metadata.
// A nil payload with a nil error means the badge does not apply to the
// item and should be skipped without marking the poster failed.
type BadgeExtractor interface {
	Type() models.BadgeType
	Extract(ctx context.Context, media *models.MediaRecord) (*models.BadgePayload, error)
}

// PosterComposer renders badge payloads onto a cached poster file and
// writes the result to the output directory, returning the output path.
// Composition is deterministic: the same source and payloads produce
// byte-identical output.
type PosterComposer interface {
	Compose(ctx context.Context, sourcePath string, payloads []models.BadgePayload) (string, error)
}

// ProgressBroadcaster receives progress events for connected clients.
// Calls for a given job arrive in transition order and must be fanned
// out in that order.
type ProgressBroadcaster interface {
	BroadcastProgress(event *models.ProgressEvent)
	CloseJob(jobID string)
}

// JobSubmitter validates a batch request and creates the job.
type JobSubmitter interface {
	Submit(ctx context.Context, req *models.BatchRequest) (*models.BatchJob, error)
}

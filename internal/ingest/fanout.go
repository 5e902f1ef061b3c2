package ingest

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"meshcast/internal/models"
	"meshcast/internal/queue"
)

// FanOut expands one source segment into one transcode job per configured
// rendition. Enqueueing is best effort: a failed enqueue is logged and the
// remaining renditions still go out.
type FanOut struct {
	queue        queue.Queue
	renditions   []models.Rendition
	segmentsRoot string
	logger       *slog.Logger
}

// NewFanOut wires the fan-out over the work queue.
func NewFanOut(q queue.Queue, renditions []models.Rendition, segmentsRoot string, logger *slog.Logger) *FanOut {
	if logger == nil {
		logger = slog.Default()
	}
	return &FanOut{queue: q, renditions: renditions, segmentsRoot: segmentsRoot, logger: logger}
}

// Dispatch enqueues the segment's jobs. Each job gets a fresh UUID segment id
// and an output path of {segmentsRoot}/{streamId}/{rendition}/{n}.ts.
func (f *FanOut) Dispatch(ctx context.Context, event SegmentEvent) {
	for _, rendition := range f.renditions {
		outputDir := filepath.Join(f.segmentsRoot, event.StreamID, rendition.Name)
		if err := os.MkdirAll(outputDir, 0o755); err != nil {
			f.logger.Error("could not prepare rendition output dir",
				"streamId", event.StreamID, "rendition", rendition.Name, "error", err)
			continue
		}
		job := models.TranscodeJob{
			SegmentID:     uuid.NewString(),
			StreamID:      event.StreamID,
			SegmentNumber: event.SequenceNumber,
			InputPath:     event.Path,
			OutputPath:    filepath.Join(outputDir, strconv.Itoa(event.SequenceNumber)+".ts"),
			Rendition:     rendition,
		}
		if err := f.queue.Enqueue(ctx, job); err != nil {
			f.logger.Error("could not enqueue transcode job",
				"streamId", event.StreamID,
				"sequence", event.SequenceNumber,
				"rendition", rendition.Name,
				"error", err)
			continue
		}
		f.logger.Info("transcode job enqueued",
			"streamId", event.StreamID,
			"sequence", event.SequenceNumber,
			"rendition", rendition.Name,
			"segmentId", job.SegmentID)
	}
}

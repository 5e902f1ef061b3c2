package ingest

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"meshcast/internal/models"
	"meshcast/internal/queue"
)

func TestFanOutDispatchesPerRendition(t *testing.T) {
	ctx := context.Background()
	q := queue.NewMemory(queue.Options{})
	root := t.TempDir()

	ladder := models.LadderByName(models.DefaultLadder())
	fanout := NewFanOut(q, []models.Rendition{ladder["480p"], ladder["360p"]}, root, discardLogger())

	event := SegmentEvent{
		StreamID:       "stream-1",
		SequenceNumber: 7,
		Path:           filepath.Join(root, "stream-1", "7.ts"),
	}
	fanout.Dispatch(ctx, event)

	byRendition := make(map[string]models.TranscodeJob)
	for i := 0; i < 2; i++ {
		delivery, err := q.Dequeue(ctx)
		if err != nil {
			t.Fatalf("dequeue %d: %v", i, err)
		}
		byRendition[delivery.Job.Rendition.Name] = delivery.Job
	}
	if _, err := q.Dequeue(ctx); !errors.Is(err, queue.ErrEmpty) {
		t.Fatal("expected exactly two jobs")
	}

	for _, name := range []string{"480p", "360p"} {
		job, ok := byRendition[name]
		if !ok {
			t.Fatalf("no job for rendition %s", name)
		}
		if job.SegmentID == "" {
			t.Fatalf("%s job has empty segment id", name)
		}
		if job.StreamID != "stream-1" || job.SegmentNumber != 7 {
			t.Fatalf("%s job = %+v", name, job)
		}
		if job.InputPath != event.Path {
			t.Fatalf("%s input path = %s", name, job.InputPath)
		}
		want := filepath.Join(root, "stream-1", name, "7.ts")
		if job.OutputPath != want {
			t.Fatalf("%s output path = %s, want %s", name, job.OutputPath, want)
		}
	}
	if byRendition["480p"].SegmentID == byRendition["360p"].SegmentID {
		t.Fatal("segment ids must be unique per job")
	}
}

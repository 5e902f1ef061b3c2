package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"meshcast/internal/models"
	"meshcast/internal/queue"
)

// blockingRunner stands in for the segmenter's ffmpeg process: it holds until
// the session context is cancelled.
type blockingRunner struct{}

func (blockingRunner) Run(ctx context.Context, _ string, _ ...string) error {
	<-ctx.Done()
	return ctx.Err()
}

func (blockingRunner) Output(_ context.Context, _ string, _ ...string) ([]byte, error) {
	return nil, nil
}

func newDirectoryServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/streams" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode([]map[string]string{
			{"id": "stream-1", "streamKey": "key-1"},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestPipeline(t *testing.T, directoryURL string) (*Pipeline, *Segmenter, *queue.Memory, string) {
	t.Helper()
	logger := discardLogger()
	root := t.TempDir()

	directory, err := NewStreamDirectory(directoryURL, nil, logger, time.Second)
	if err != nil {
		t.Fatal(err)
	}
	segmenter := NewSegmenter(blockingRunner{}, "rtmp://localhost:1935/live", root, 4, logger)
	q := queue.NewMemory(queue.Options{})
	ladder := models.LadderByName(models.DefaultLadder())
	fanout := NewFanOut(q, []models.Rendition{ladder["480p"]}, root, logger)
	return NewPipeline(directory, segmenter, fanout, logger), segmenter, q, root
}

func startPipeline(t *testing.T, pipeline *Pipeline) (context.CancelFunc, chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pipeline.Run(ctx) }()

	// Wait until Run has anchored the session context.
	deadline := time.After(time.Second)
	for {
		pipeline.mu.Lock()
		ready := pipeline.baseCtx != nil
		pipeline.mu.Unlock()
		if ready {
			return cancel, done
		}
		select {
		case <-deadline:
			cancel()
			t.Fatal("pipeline never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestHandlePublishBeforeRun(t *testing.T) {
	srv := newDirectoryServer(t)
	pipeline, _, _, _ := newTestPipeline(t, srv.URL)
	if err := pipeline.HandlePublish("key-1"); err == nil {
		t.Fatal("expected error before Run")
	}
}

func TestHandlePublishUnknownStreamKey(t *testing.T) {
	srv := newDirectoryServer(t)
	pipeline, segmenter, _, root := newTestPipeline(t, srv.URL)
	cancel, done := startPipeline(t, pipeline)
	defer func() { cancel(); <-done }()

	err := pipeline.HandlePublish("nope")
	if !errors.Is(err, ErrUnknownStreamKey) {
		t.Fatalf("expected ErrUnknownStreamKey, got %v", err)
	}
	if segmenter.Active("nope") {
		t.Fatal("segmenter started for unknown key")
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("directories created for abandoned publish: %v", entries)
	}
}

func TestPublishSegmentsFanOutToQueue(t *testing.T) {
	srv := newDirectoryServer(t)
	pipeline, segmenter, q, root := newTestPipeline(t, srv.URL)
	cancel, done := startPipeline(t, pipeline)
	defer func() { cancel(); <-done }()

	if err := pipeline.HandlePublish("key-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if !segmenter.Active("stream-1") {
		t.Fatal("segmentation session not started")
	}

	segmentPath := filepath.Join(root, "stream-1", "0.ts")
	if err := os.WriteFile(segmentPath, []byte("data"), 0o644); err != nil {
		t.Fatal(err)
	}

	var delivery queue.Delivery
	deadline := time.After(5 * time.Second)
	for {
		var err error
		delivery, err = q.Dequeue(context.Background())
		if err == nil {
			break
		}
		if !errors.Is(err, queue.ErrEmpty) {
			t.Fatal(err)
		}
		select {
		case <-deadline:
			t.Fatal("segment never reached the queue")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if delivery.Job.StreamID != "stream-1" || delivery.Job.SegmentNumber != 0 {
		t.Fatalf("job = %+v", delivery.Job)
	}
	if delivery.Job.Rendition.Name != "480p" {
		t.Fatalf("rendition = %s", delivery.Job.Rendition.Name)
	}

	pipeline.HandleUnpublish("key-1")
	waitUntil(t, func() bool { return !segmenter.Active("stream-1") }, "segmenter still active after unpublish")
}

func TestRunStopsSessionsOnCancel(t *testing.T) {
	srv := newDirectoryServer(t)
	pipeline, segmenter, _, _ := newTestPipeline(t, srv.URL)
	cancel, done := startPipeline(t, pipeline)

	if err := pipeline.HandlePublish("key-1"); err != nil {
		t.Fatal(err)
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("run returned %v", err)
	}
	if segmenter.Active("stream-1") {
		t.Fatal("session survived shutdown")
	}
}

func TestControllerHooks(t *testing.T) {
	dirSrv := newDirectoryServer(t)
	pipeline, _, _, _ := newTestPipeline(t, dirSrv.URL)
	cancel, done := startPipeline(t, pipeline)
	defer func() { cancel(); <-done }()

	mux := http.NewServeMux()
	NewController(pipeline, discardLogger()).Routes(mux)
	srv := httptest.NewServer(mux)
	defer srv.Close()

	post := func(path, body string) *http.Response {
		resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader([]byte(body)))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		return resp
	}

	if resp := post("/hooks/publish", `{"streamKey":"nope"}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown key status = %d, want 404", resp.StatusCode)
	}
	if resp := post("/hooks/publish", `{}`); resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing key status = %d, want 400", resp.StatusCode)
	}
	if resp := post("/hooks/unpublish", `{"streamKey":"never-published"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("unpublish status = %d, want 200", resp.StatusCode)
	}

	resp, err := http.Get(srv.URL + "/hooks/publish")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET status = %d, want 405", resp.StatusCode)
	}
	if got := resp.Header.Get("Allow"); got != "POST" {
		t.Fatalf("Allow header = %q", got)
	}

	if resp := post("/hooks/publish", `{"streamKey":"key-1"}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("publish status = %d, want 200", resp.StatusCode)
	}
}

func waitUntil(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal(msg)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

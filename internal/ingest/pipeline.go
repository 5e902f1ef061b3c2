package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"meshcast/internal/observability/metrics"
)

// Pipeline ties the ingestion stages together: stream key resolution,
// segmentation, segment watching, and fan-out. One pipeline serves all live
// streams of the process.
type Pipeline struct {
	directory *StreamDirectory
	segmenter *Segmenter
	fanout    *FanOut
	logger    *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	streams map[string]*streamSession
}

type streamSession struct {
	streamID string
	cancel   context.CancelFunc
}

// NewPipeline wires the stages.
func NewPipeline(directory *StreamDirectory, segmenter *Segmenter, fanout *FanOut, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		directory: directory,
		segmenter: segmenter,
		fanout:    fanout,
		logger:    logger,
		streams:   make(map[string]*streamSession),
	}
}

// Run anchors stream sessions to the daemon context and blocks until it is
// cancelled, then stops every live session. Publish handling before Run is
// rejected.
func (p *Pipeline) Run(ctx context.Context) error {
	p.mu.Lock()
	p.baseCtx = ctx
	p.mu.Unlock()

	<-ctx.Done()
	p.segmenter.StopAll()
	return ctx.Err()
}

// HandlePublish starts ingesting a newly published stream. An unknown stream
// key abandons the publish; nothing is written for it.
func (p *Pipeline) HandlePublish(streamKey string) error {
	p.mu.Lock()
	baseCtx := p.baseCtx
	p.mu.Unlock()
	if baseCtx == nil {
		return fmt.Errorf("ingest: pipeline is not running")
	}

	streamID, err := p.directory.ResolveStreamKey(baseCtx, streamKey)
	if err != nil {
		return err
	}

	dir := p.segmenter.StreamDir(streamID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare segment dir: %w", err)
	}

	streamCtx, cancel := context.WithCancel(baseCtx)

	// The watcher opens before the segmenter starts so the first segments are
	// never missed.
	events, err := WatchSegments(streamCtx, streamID, dir, p.logger)
	if err != nil {
		cancel()
		return fmt.Errorf("watch segments: %w", err)
	}
	if err := p.segmenter.Start(streamCtx, streamID, streamKey); err != nil {
		cancel()
		return err
	}

	p.mu.Lock()
	p.streams[streamKey] = &streamSession{streamID: streamID, cancel: cancel}
	p.mu.Unlock()

	go func() {
		for event := range events {
			metrics.Default().SegmentObserved(event.StreamID)
			p.fanout.Dispatch(streamCtx, event)
		}
	}()

	p.logger.Info("stream ingestion started", "streamKey", streamKey, "streamId", streamID)
	return nil
}

// HandleUnpublish stops the session for a stream key. Unknown keys are a
// no-op; the segmenter also exits on its own when the publisher disconnects.
func (p *Pipeline) HandleUnpublish(streamKey string) {
	p.mu.Lock()
	sess, ok := p.streams[streamKey]
	delete(p.streams, streamKey)
	p.mu.Unlock()
	if !ok {
		return
	}
	sess.cancel()
	p.segmenter.Stop(sess.streamID)
	p.logger.Info("stream ingestion stopped", "streamKey", streamKey, "streamId", sess.streamID)
}

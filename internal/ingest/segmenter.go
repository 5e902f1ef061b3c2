package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"meshcast/internal/media"
)

// Segmenter runs one ffmpeg segmentation process per live stream: it pulls
// the RTMP feed and cuts it into fixed-duration MPEG-TS segments named by
// sequence number. Sessions are keyed by stream id; a second publish for a
// stream already segmenting is rejected.
type Segmenter struct {
	runner          media.Runner
	logger          *slog.Logger
	rtmpBaseURL     string
	segmentsRoot    string
	segmentDuration int

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	streamID string
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSegmenter wires the segmenter over a media runner.
func NewSegmenter(runner media.Runner, rtmpBaseURL, segmentsRoot string, segmentDuration int, logger *slog.Logger) *Segmenter {
	if logger == nil {
		logger = slog.Default()
	}
	if segmentDuration <= 0 {
		segmentDuration = 4
	}
	return &Segmenter{
		runner:          runner,
		logger:          logger,
		rtmpBaseURL:     rtmpBaseURL,
		segmentsRoot:    segmentsRoot,
		segmentDuration: segmentDuration,
		sessions:        make(map[string]*session),
	}
}

// SegmentDuration reports the shared fixed segment length in seconds.
func (s *Segmenter) SegmentDuration() int {
	return s.segmentDuration
}

// StreamDir is the directory the stream's source segments land in.
func (s *Segmenter) StreamDir(streamID string) string {
	return filepath.Join(s.segmentsRoot, streamID)
}

// Start launches the segmentation process for a stream. The process runs
// until Stop is called, the parent context dies, or the publisher disconnects
// and ffmpeg exits on its own.
func (s *Segmenter) Start(ctx context.Context, streamID, streamKey string) error {
	dir := s.StreamDir(streamID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("prepare segment dir: %w", err)
	}

	s.mu.Lock()
	if _, exists := s.sessions[streamID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("ingest: stream %s is already being segmented", streamID)
	}
	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{streamID: streamID, cancel: cancel, done: make(chan struct{})}
	s.sessions[streamID] = sess
	s.mu.Unlock()

	input := fmt.Sprintf("%s/%s", s.rtmpBaseURL, streamKey)
	args := media.SegmentArgs(input, dir, s.segmentDuration)
	s.logger.Info("segmentation started", "streamId", streamID, "dir", dir, "segmentDuration", s.segmentDuration)

	go func() {
		defer close(sess.done)
		defer s.remove(streamID)
		if err := s.runner.Run(sessCtx, "ffmpeg", args...); err != nil && sessCtx.Err() == nil {
			s.logger.Warn("segmentation process exited", "streamId", streamID, "error", err)
			return
		}
		s.logger.Info("segmentation stopped", "streamId", streamID)
	}()
	return nil
}

// Stop cancels a stream's segmentation process and waits for it to exit.
func (s *Segmenter) Stop(streamID string) {
	s.mu.Lock()
	sess, ok := s.sessions[streamID]
	s.mu.Unlock()
	if !ok {
		return
	}
	sess.cancel()
	<-sess.done
}

// StopAll cancels every live session. Used on shutdown.
func (s *Segmenter) StopAll() {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		sess.cancel()
		<-sess.done
	}
}

// Active reports whether a stream currently has a segmentation session.
func (s *Segmenter) Active(streamID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[streamID]
	return ok
}

func (s *Segmenter) remove(streamID string) {
	s.mu.Lock()
	delete(s.sessions, streamID)
	s.mu.Unlock()
}

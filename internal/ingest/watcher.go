package ingest

import (
	"context"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// SegmentEvent is one finalized source segment noticed on disk.
type SegmentEvent struct {
	StreamID       string
	SequenceNumber int
	Path           string
}

// WatchSegments watches a stream's segment directory and emits one event per
// new `{n}.ts` file. Non-numeric names, other extensions, and duplicate
// notifications for a sequence number are skipped; rendition subdirectories
// created by workers never match the filter. The channel closes when the
// context is cancelled.
func WatchSegments(ctx context.Context, streamID, dir string, logger *slog.Logger) (<-chan SegmentEvent, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, err
	}

	events := make(chan SegmentEvent)
	go func() {
		defer close(events)
		defer watcher.Close()
		seen := make(map[int]bool)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) {
					continue
				}
				seq, ok := parseSequenceNumber(event.Name)
				if !ok || seen[seq] {
					continue
				}
				seen[seq] = true
				logger.Debug("segment finalized", "streamId", streamID, "sequence", seq, "path", event.Name)
				select {
				case events <- SegmentEvent{StreamID: streamID, SequenceNumber: seq, Path: event.Name}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("segment watcher error", "streamId", streamID, "error", err)
			}
		}
	}()
	return events, nil
}

// parseSequenceNumber accepts only `{integer}.ts` basenames.
func parseSequenceNumber(path string) (int, bool) {
	base := filepath.Base(path)
	if !strings.HasSuffix(base, ".ts") {
		return 0, false
	}
	seq, err := strconv.Atoi(strings.TrimSuffix(base, ".ts"))
	if err != nil || seq < 0 {
		return 0, false
	}
	return seq, true
}

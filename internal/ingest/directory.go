// Package ingest turns a published RTMP stream into queued transcode jobs: it
// resolves the stream key against the external stream directory, runs one
// segmenter process per live stream, watches the segment directory for
// finalized files, and fans each new segment out to the configured renditions.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrUnknownStreamKey is returned when the directory has no stream for the
// published key. The publish is abandoned; nothing is ever written for an
// unresolvable key.
var ErrUnknownStreamKey = errors.New("ingest: unknown stream key")

// StreamDirectory resolves stream keys to stream ids against the external
// directory service.
type StreamDirectory struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
	timeout time.Duration
}

// NewStreamDirectory validates the directory base URL and applies defaults: a
// five second lookup timeout and a dedicated HTTP client.
func NewStreamDirectory(baseURL string, client *http.Client, logger *slog.Logger, timeout time.Duration) (*StreamDirectory, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, fmt.Errorf("ingest: stream directory URL is required")
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &StreamDirectory{baseURL: trimmed, client: client, logger: logger, timeout: timeout}, nil
}

type directoryStream struct {
	ID        string `json:"id"`
	StreamKey string `json:"streamKey"`
}

// ResolveStreamKey looks the key up in the directory's stream listing within
// the configured timeout.
func (d *StreamDirectory) ResolveStreamKey(ctx context.Context, streamKey string) (string, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(lookupCtx, http.MethodGet, d.baseURL+"/streams", nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("query stream directory: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("stream directory %s: %s", resp.Status, strings.TrimSpace(string(data)))
	}

	var streams []directoryStream
	if err := json.NewDecoder(resp.Body).Decode(&streams); err != nil {
		return "", fmt.Errorf("decode stream directory response: %w", err)
	}
	for _, stream := range streams {
		if stream.StreamKey == streamKey && stream.ID != "" {
			return stream.ID, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownStreamKey, streamKey)
}

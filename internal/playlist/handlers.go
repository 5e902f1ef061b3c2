package playlist

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"meshcast/internal/observability/metrics"
)

const (
	playlistContentType = "application/vnd.apple.mpegurl"
	segmentContentType  = "video/mp2t"
)

// Handler is the delivery server's HTTP surface: playlists, segments, and
// read-only stream directory APIs.
type Handler struct {
	synth  *Synthesizer
	logger *slog.Logger
}

// NewHandler wires the delivery routes around a Synthesizer.
func NewHandler(synth *Synthesizer, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{synth: synth, logger: logger}
}

// Routes registers the delivery endpoints on the mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/streams/", h.Streams)
	mux.HandleFunc("/api/streams", h.ListStreams)
	mux.HandleFunc("/api/streams/", h.StreamAPI)
	mux.HandleFunc("/healthz", h.Health)
}

// Streams dispatches the /streams/{id}/... tree:
//
//	/streams/{id}/playlist.m3u8              master playlist
//	/streams/{id}/{rendition}/playlist.m3u8  media playlist
//	/streams/{id}/{rendition}/{n}.ts         segment file
func (h *Handler) Streams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/streams/"), "/")
	switch {
	case len(parts) == 2 && parts[1] == "playlist.m3u8":
		h.masterPlaylist(w, r, parts[0])
	case len(parts) == 3 && parts[2] == "playlist.m3u8":
		h.renditionPlaylist(w, r, parts[0], parts[1])
	case len(parts) == 3 && strings.HasSuffix(parts[2], ".ts"):
		h.segment(w, r, parts[0], parts[1], parts[2])
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
	}
}

func (h *Handler) masterPlaylist(w http.ResponseWriter, r *http.Request, streamID string) {
	manifest, err := h.synth.Master(streamID)
	if err != nil {
		h.writePlaylistError(w, err, streamID, "")
		return
	}
	h.logger.Info("serving master playlist", "streamId", streamID, "remote", r.RemoteAddr)
	metrics.Default().PlaylistServed("master")
	w.Header().Set("Content-Type", playlistContentType)
	fmt.Fprint(w, manifest)
}

func (h *Handler) renditionPlaylist(w http.ResponseWriter, r *http.Request, streamID, rendition string) {
	manifest, err := h.synth.Rendition(streamID, rendition)
	if err != nil {
		h.writePlaylistError(w, err, streamID, rendition)
		return
	}
	h.logger.Info("serving rendition playlist",
		"streamId", streamID, "rendition", rendition, "remote", r.RemoteAddr)
	metrics.Default().PlaylistServed("rendition")
	w.Header().Set("Content-Type", playlistContentType)
	fmt.Fprint(w, manifest)
}

func (h *Handler) segment(w http.ResponseWriter, r *http.Request, streamID, rendition, file string) {
	seq, err := strconv.Atoi(strings.TrimSuffix(file, ".ts"))
	if err != nil || seq < 0 {
		writeError(w, http.StatusNotFound, fmt.Errorf("segment not found"))
		return
	}
	path := h.synth.SegmentPath(streamID, rendition, seq)
	w.Header().Set("Content-Type", segmentContentType)
	http.ServeFile(w, r, path)
}

// ListStreams serves GET /api/streams.
func (h *Handler) ListStreams(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	streams, err := h.synth.Streams()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, streams)
}

// StreamAPI serves GET /api/streams/{id}/segments/{rendition}.
func (h *Handler) StreamAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/api/streams/"), "/")
	if len(parts) != 3 || parts[1] != "segments" {
		writeError(w, http.StatusNotFound, fmt.Errorf("not found"))
		return
	}
	sequences, err := h.synth.Segments(parts[0], parts[2])
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("rendition not found"))
		return
	}
	writeJSON(w, http.StatusOK, sequences)
}

// Health serves GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) writePlaylistError(w http.ResponseWriter, err error, streamID, rendition string) {
	switch {
	case errors.Is(err, ErrStreamNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("stream not found"))
	case errors.Is(err, ErrRenditionNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("rendition not found"))
	case errors.Is(err, ErrNoSegments):
		writeError(w, http.StatusNotFound, fmt.Errorf("no segments available"))
	default:
		h.logger.Error("playlist generation failed",
			"streamId", streamID, "rendition", rendition, "error", err)
		writeError(w, http.StatusInternalServerError, fmt.Errorf("failed to generate playlist"))
	}
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

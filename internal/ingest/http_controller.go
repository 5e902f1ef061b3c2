package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// Controller is the small webhook surface the media server calls on publish
// lifecycle events.
type Controller struct {
	pipeline *Pipeline
	logger   *slog.Logger
}

// NewController wires the webhook handlers around a pipeline.
func NewController(pipeline *Pipeline, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{pipeline: pipeline, logger: logger}
}

// Routes registers the webhook endpoints on the mux.
func (c *Controller) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/hooks/publish", c.Publish)
	mux.HandleFunc("/hooks/unpublish", c.Unpublish)
	mux.HandleFunc("/healthz", c.Health)
}

type publishHook struct {
	StreamKey string `json:"streamKey"`
}

// Publish serves POST /hooks/publish.
func (c *Controller) Publish(w http.ResponseWriter, r *http.Request) {
	streamKey, ok := c.decodeHook(w, r)
	if !ok {
		return
	}
	if err := c.pipeline.HandlePublish(streamKey); err != nil {
		if errors.Is(err, ErrUnknownStreamKey) {
			c.logger.Warn("publish abandoned for unknown stream key", "streamKey", streamKey)
			writeError(w, http.StatusNotFound, err)
			return
		}
		c.logger.Error("publish handling failed", "streamKey", streamKey, "error", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Unpublish serves POST /hooks/unpublish.
func (c *Controller) Unpublish(w http.ResponseWriter, r *http.Request) {
	streamKey, ok := c.decodeHook(w, r)
	if !ok {
		return
	}
	c.pipeline.HandleUnpublish(streamKey)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Health serves GET /healthz.
func (c *Controller) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (c *Controller) decodeHook(w http.ResponseWriter, r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return "", false
	}
	var hook publishHook
	if err := json.NewDecoder(r.Body).Decode(&hook); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("decode hook payload: %w", err))
		return "", false
	}
	r.Body.Close()
	key := strings.TrimSpace(hook.StreamKey)
	if key == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("streamKey is required"))
		return "", false
	}
	return key, true
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

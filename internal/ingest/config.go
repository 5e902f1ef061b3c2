package ingest

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"meshcast/internal/models"
)

// Config stores the ingestion daemon's connectivity and layout settings.
type Config struct {
	Bind             string
	DirectoryURL     string
	DirectoryTimeout time.Duration
	RTMPBaseURL      string
	SegmentsRoot     string
	SegmentDuration  int
	FanOutRenditions []models.Rendition
}

// LoadConfigFromEnv initialises a Config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	cfg := Config{
		Bind:             envOrDefault("MESHCAST_INGEST_BIND", ":8085"),
		DirectoryURL:     strings.TrimSpace(os.Getenv("MESHCAST_DIRECTORY_URL")),
		DirectoryTimeout: 5 * time.Second,
		RTMPBaseURL:      envOrDefault("MESHCAST_RTMP_BASE_URL", "rtmp://localhost:1935/live"),
		SegmentsRoot:     envOrDefault("MESHCAST_SEGMENTS_ROOT", "./storage/segments"),
		SegmentDuration:  4,
	}

	if cfg.DirectoryURL == "" {
		return Config{}, fmt.Errorf("MESHCAST_DIRECTORY_URL is required")
	}

	if timeout := strings.TrimSpace(os.Getenv("MESHCAST_DIRECTORY_TIMEOUT")); timeout != "" {
		parsed, err := time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("parse MESHCAST_DIRECTORY_TIMEOUT: %w", err)
		}
		if parsed > 0 {
			cfg.DirectoryTimeout = parsed
		}
	}

	if duration := strings.TrimSpace(os.Getenv("MESHCAST_SEGMENT_DURATION")); duration != "" {
		parsed, err := strconv.Atoi(duration)
		if err != nil {
			return Config{}, fmt.Errorf("parse MESHCAST_SEGMENT_DURATION: %w", err)
		}
		if parsed > 0 {
			cfg.SegmentDuration = parsed
		}
	}

	names := envOrDefault("MESHCAST_FANOUT_RENDITIONS", "480p,360p")
	renditions, err := resolveRenditions(names)
	if err != nil {
		return Config{}, err
	}
	cfg.FanOutRenditions = renditions

	return cfg, nil
}

// resolveRenditions maps a comma-separated rendition name list against the
// catalog.
func resolveRenditions(list string) ([]models.Rendition, error) {
	catalog := models.LadderByName(models.DefaultLadder())
	names := strings.Split(list, ",")
	results := make([]models.Rendition, 0, len(names))
	for _, name := range names {
		trimmed := strings.TrimSpace(name)
		if trimmed == "" {
			continue
		}
		rendition, ok := catalog[trimmed]
		if !ok {
			return nil, fmt.Errorf("unknown rendition %q in MESHCAST_FANOUT_RENDITIONS", trimmed)
		}
		results = append(results, rendition)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("MESHCAST_FANOUT_RENDITIONS selects no renditions")
	}
	return results, nil
}

func envOrDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

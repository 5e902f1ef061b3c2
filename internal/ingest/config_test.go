package ingest

import (
	"testing"
	"time"
)

func TestLoadConfigRequiresDirectoryURL(t *testing.T) {
	t.Setenv("MESHCAST_DIRECTORY_URL", "")
	if _, err := LoadConfigFromEnv(); err == nil {
		t.Fatal("expected error without MESHCAST_DIRECTORY_URL")
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("MESHCAST_DIRECTORY_URL", "http://localhost:3000")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Bind != ":8085" {
		t.Fatalf("bind = %s", cfg.Bind)
	}
	if cfg.RTMPBaseURL != "rtmp://localhost:1935/live" {
		t.Fatalf("rtmp base = %s", cfg.RTMPBaseURL)
	}
	if cfg.SegmentsRoot != "./storage/segments" {
		t.Fatalf("segments root = %s", cfg.SegmentsRoot)
	}
	if cfg.SegmentDuration != 4 {
		t.Fatalf("segment duration = %d", cfg.SegmentDuration)
	}
	if cfg.DirectoryTimeout != 5*time.Second {
		t.Fatalf("directory timeout = %s", cfg.DirectoryTimeout)
	}
	if len(cfg.FanOutRenditions) != 2 {
		t.Fatalf("fan-out renditions = %v", cfg.FanOutRenditions)
	}
	if cfg.FanOutRenditions[0].Name != "480p" || cfg.FanOutRenditions[1].Name != "360p" {
		t.Fatalf("fan-out renditions = %v", cfg.FanOutRenditions)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	t.Setenv("MESHCAST_DIRECTORY_URL", "http://directory:3000")
	t.Setenv("MESHCAST_DIRECTORY_TIMEOUT", "10s")
	t.Setenv("MESHCAST_SEGMENT_DURATION", "6")
	t.Setenv("MESHCAST_FANOUT_RENDITIONS", "1080p, 720p")

	cfg, err := LoadConfigFromEnv()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DirectoryTimeout != 10*time.Second {
		t.Fatalf("directory timeout = %s", cfg.DirectoryTimeout)
	}
	if cfg.SegmentDuration != 6 {
		t.Fatalf("segment duration = %d", cfg.SegmentDuration)
	}
	if len(cfg.FanOutRenditions) != 2 || cfg.FanOutRenditions[0].Name != "1080p" {
		t.Fatalf("fan-out renditions = %v", cfg.FanOutRenditions)
	}
}

func TestLoadConfigRejectsUnknownRendition(t *testing.T) {
	t.Setenv("MESHCAST_DIRECTORY_URL", "http://directory:3000")
	t.Setenv("MESHCAST_FANOUT_RENDITIONS", "4k")
	if _, err := LoadConfigFromEnv(); err == nil {
		t.Fatal("expected error for unknown rendition")
	}
}

func TestLoadConfigRejectsEmptyRenditionList(t *testing.T) {
	t.Setenv("MESHCAST_DIRECTORY_URL", "http://directory:3000")
	t.Setenv("MESHCAST_FANOUT_RENDITIONS", " , ")
	if _, err := LoadConfigFromEnv(); err == nil {
		t.Fatal("expected error for empty rendition list")
	}
}

// Command delivery starts the HLS playlist and segment delivery service.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"meshcast/internal/models"
	"meshcast/internal/observability/logging"
	"meshcast/internal/observability/metrics"
	"meshcast/internal/playlist"
	"meshcast/internal/serverutil"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	segmentsRoot := flag.String("segments-root", "", "root directory of the segment tree")
	segmentDuration := flag.Int("segment-duration", 0, "segment duration in seconds")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("MESHCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("MESHCAST_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	duration := *segmentDuration
	if duration <= 0 {
		if env := strings.TrimSpace(os.Getenv("MESHCAST_SEGMENT_DURATION")); env != "" {
			parsed, err := strconv.Atoi(env)
			if err != nil {
				logger.Error("invalid MESHCAST_SEGMENT_DURATION", "value", env, "error", err)
				os.Exit(1)
			}
			duration = parsed
		}
	}

	synth := playlist.NewSynthesizer(
		firstNonEmpty(*segmentsRoot, os.Getenv("MESHCAST_SEGMENTS_ROOT"), "./storage/segments"),
		duration,
		models.DefaultLadder(),
		logging.WithComponent(logger, "synthesizer"))

	mux := http.NewServeMux()
	playlist.NewHandler(synth, logging.WithComponent(logger, "delivery")).Routes(mux)
	mux.Handle("/metrics", recorder.Handler())
	handler := logging.RequestLogger(logging.WithComponent(logger, "http"), recorder)(mux)

	server := &http.Server{
		Addr:              firstNonEmpty(*addr, os.Getenv("MESHCAST_DELIVERY_BIND"), ":8082"),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serverutil.Run(ctx, serverutil.Config{
		Server: server,
		Logger: logging.WithComponent(logger, "server"),
	}); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("delivery exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("delivery stopped")
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

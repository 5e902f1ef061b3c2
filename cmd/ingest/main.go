// Command ingest starts the stream ingestion daemon: RTMP segmentation,
// segment watching, and transcode job fan-out.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"meshcast/internal/ingest"
	"meshcast/internal/media"
	"meshcast/internal/observability/logging"
	"meshcast/internal/observability/metrics"
	"meshcast/internal/queue"
	"meshcast/internal/serverutil"
)

func main() {
	logger := logging.Init(logging.Config{
		Level:  os.Getenv("MESHCAST_LOG_LEVEL"),
		Format: os.Getenv("MESHCAST_LOG_FORMAT"),
	})
	recorder := metrics.Default()

	cfg, err := ingest.LoadConfigFromEnv()
	if err != nil {
		logger.Error("failed to load ingest configuration", "error", err)
		os.Exit(1)
	}

	workQueue, err := configureQueue()
	if err != nil {
		logger.Error("failed to configure work queue", "error", err)
		os.Exit(1)
	}
	defer workQueue.Close()

	directory, err := ingest.NewStreamDirectory(cfg.DirectoryURL, nil,
		logging.WithComponent(logger, "directory"), cfg.DirectoryTimeout)
	if err != nil {
		logger.Error("failed to configure stream directory", "error", err)
		os.Exit(1)
	}

	runner := &media.ExecRunner{Logger: logging.WithComponent(logger, "ffmpeg")}
	segmenter := ingest.NewSegmenter(runner, cfg.RTMPBaseURL, cfg.SegmentsRoot,
		cfg.SegmentDuration, logging.WithComponent(logger, "segmenter"))
	fanout := ingest.NewFanOut(workQueue, cfg.FanOutRenditions, cfg.SegmentsRoot,
		logging.WithComponent(logger, "fanout"))
	pipeline := ingest.NewPipeline(directory, segmenter, fanout,
		logging.WithComponent(logger, "pipeline"))

	mux := http.NewServeMux()
	ingest.NewController(pipeline, logging.WithComponent(logger, "hooks")).Routes(mux)
	handler := logging.RequestLogger(logging.WithComponent(logger, "http"), recorder)(mux)

	server := &http.Server{
		Addr:              cfg.Bind,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		err := pipeline.Run(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{
			Server: server,
			Logger: logging.WithComponent(logger, "server"),
		})
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("ingest exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("ingest stopped")
}

func configureQueue() (queue.Queue, error) {
	driver := strings.ToLower(strings.TrimSpace(os.Getenv("MESHCAST_QUEUE_DRIVER")))
	if driver == "" || driver == "redis" {
		return queue.NewRedis(queue.RedisConfig{
			Addr:      envOrDefault("MESHCAST_QUEUE_REDIS_ADDR", "localhost:6379"),
			Password:  os.Getenv("MESHCAST_QUEUE_REDIS_PASSWORD"),
			KeyPrefix: os.Getenv("MESHCAST_QUEUE_REDIS_PREFIX"),
		})
	}
	return queue.NewMemory(queue.Options{}), nil
}

func envOrDefault(key, fallback string) string {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		return val
	}
	return fallback
}

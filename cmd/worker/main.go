// Command worker starts the transcoding agent daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"meshcast/internal/agent"
	"meshcast/internal/media"
	"meshcast/internal/observability/logging"
)

func main() {
	orchestratorURL := flag.String("orchestrator", "", "orchestrator base URL")
	workDir := flag.String("work-dir", "", "working directory for state and staging files")
	heartbeat := flag.Duration("heartbeat-interval", 0, "heartbeat cadence")
	poll := flag.Duration("poll-interval", 0, "job poll cadence while idle")
	grace := flag.Duration("shutdown-grace", 0, "time an in-flight job gets to finish on shutdown")
	ffmpegPath := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	ffprobePath := flag.String("ffprobe", "", "path to the ffprobe binary")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("MESHCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("MESHCAST_LOG_FORMAT")),
	})

	client, err := agent.NewClient(agent.ClientConfig{
		BaseURL:       firstNonEmpty(*orchestratorURL, os.Getenv("MESHCAST_ORCHESTRATOR_URL"), "http://localhost:3001"),
		Logger:        logging.WithComponent(logger, "client"),
		MaxAttempts:   3,
		RetryInterval: time.Second,
	})
	if err != nil {
		logger.Error("failed to configure orchestrator client", "error", err)
		os.Exit(1)
	}

	encoder := media.NewEncoder(media.EncoderConfig{
		Logger:      logging.WithComponent(logger, "encoder"),
		FFmpegPath:  firstNonEmpty(*ffmpegPath, os.Getenv("MESHCAST_FFMPEG_PATH")),
		FFprobePath: firstNonEmpty(*ffprobePath, os.Getenv("MESHCAST_FFPROBE_PATH")),
	})

	worker, err := agent.New(agent.Config{
		Client:            client,
		Encoder:           encoder,
		Logger:            logging.WithComponent(logger, "agent"),
		WorkDir:           firstNonEmpty(*workDir, os.Getenv("MESHCAST_WORKER_DIR"), "./work"),
		HeartbeatInterval: durationOrEnv(*heartbeat, "MESHCAST_HEARTBEAT_INTERVAL", logger),
		PollInterval:      durationOrEnv(*poll, "MESHCAST_POLL_INTERVAL", logger),
		ShutdownGrace:     durationOrEnv(*grace, "MESHCAST_SHUTDOWN_GRACE", logger),
	})
	if err != nil {
		logger.Error("failed to initialise agent", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker stopped")
}

func durationOrEnv(value time.Duration, envKey string, logger *slog.Logger) time.Duration {
	if value > 0 {
		return value
	}
	env := strings.TrimSpace(os.Getenv(envKey))
	if env == "" {
		return 0
	}
	parsed, err := time.ParseDuration(env)
	if err != nil {
		logger.Warn("invalid duration in environment", "key", envKey, "value", env, "error", err)
		return 0
	}
	return parsed
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

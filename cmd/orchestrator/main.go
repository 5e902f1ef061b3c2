// Command orchestrator starts the job scheduling and worker pool service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"meshcast/internal/observability/logging"
	"meshcast/internal/observability/metrics"
	"meshcast/internal/orchestrator"
	"meshcast/internal/queue"
	"meshcast/internal/serverutil"
)

func main() {
	addr := flag.String("addr", "", "HTTP listen address")
	queueDriver := flag.String("queue-driver", "", "work queue driver (memory or redis)")
	redisAddr := flag.String("queue-redis-addr", "", "Redis address for the work queue")
	redisPassword := flag.String("queue-redis-password", "", "Redis password for the work queue")
	redisPrefix := flag.String("queue-redis-prefix", "", "Redis key prefix for the work queue")
	heartbeat := flag.Duration("heartbeat-interval", 0, "expected worker heartbeat cadence")
	logLevel := flag.String("log-level", "", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("MESHCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("MESHCAST_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	workQueue, err := configureQueue(
		firstNonEmpty(*queueDriver, os.Getenv("MESHCAST_QUEUE_DRIVER"), "memory"),
		queue.RedisConfig{
			Addr:      firstNonEmpty(*redisAddr, os.Getenv("MESHCAST_QUEUE_REDIS_ADDR")),
			Password:  firstNonEmpty(*redisPassword, os.Getenv("MESHCAST_QUEUE_REDIS_PASSWORD")),
			KeyPrefix: firstNonEmpty(*redisPrefix, os.Getenv("MESHCAST_QUEUE_REDIS_PREFIX")),
			Logger:    logging.WithComponent(logger, "queue"),
		})
	if err != nil {
		logger.Error("failed to configure work queue", "error", err)
		os.Exit(1)
	}
	defer workQueue.Close()

	interval := *heartbeat
	if interval <= 0 {
		if env := strings.TrimSpace(os.Getenv("MESHCAST_HEARTBEAT_INTERVAL")); env != "" {
			parsed, err := time.ParseDuration(env)
			if err != nil {
				logger.Error("invalid MESHCAST_HEARTBEAT_INTERVAL", "value", env, "error", err)
				os.Exit(1)
			}
			interval = parsed
		}
	}

	coordinator, err := orchestrator.NewCoordinator(orchestrator.Config{
		Queue:             workQueue,
		Logger:            logging.WithComponent(logger, "coordinator"),
		Metrics:           recorder,
		HeartbeatInterval: interval,
	})
	if err != nil {
		logger.Error("failed to initialise coordinator", "error", err)
		os.Exit(1)
	}

	mux := http.NewServeMux()
	orchestrator.NewHandler(coordinator).Routes(mux)
	handler := logging.RequestLogger(logging.WithComponent(logger, "http"), recorder)(mux)

	server := &http.Server{
		Addr:              firstNonEmpty(*addr, os.Getenv("MESHCAST_ORCHESTRATOR_BIND"), ":3001"),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return serverutil.Run(groupCtx, serverutil.Config{
			Server: server,
			Logger: logging.WithComponent(logger, "server"),
		})
	})
	group.Go(func() error {
		err := coordinator.RunSweeper(groupCtx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("orchestrator exited with error", "error", err)
		os.Exit(1)
	}
	logger.Info("orchestrator stopped")
}

func configureQueue(driver string, cfg queue.RedisConfig) (queue.Queue, error) {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "memory":
		return queue.NewMemory(queue.Options{}), nil
	case "redis":
		return queue.NewRedis(cfg)
	default:
		return nil, fmt.Errorf("unsupported queue driver %q", driver)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

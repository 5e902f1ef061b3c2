package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	"meshcast/internal/models"
)

// RedisConfig configures the Redis-backed queue implementation.
type RedisConfig struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	PoolSize     int
	Logger       *slog.Logger
	Options      Options
}

// Redis is a Queue backed by Redis lists. The atomic LMOVE from the pending
// list to the processing list is the pop that guarantees a payload reaches at
// most one worker per delivery; a sorted set holds payloads awaiting their
// redelivery backoff.
type Redis struct {
	client *redis.Client
	prefix string
	opts   Options
	logger *slog.Logger
}

// NewRedis initialises a Redis-backed queue. The caller is responsible for
// ensuring the Redis instance is reachable.
func NewRedis(cfg RedisConfig) (*Redis, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "meshcast:transcoding"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Username:     strings.TrimSpace(cfg.Username),
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		PoolSize:     cfg.PoolSize,
		MaxRetries:   2,
	})
	return &Redis{
		client: client,
		prefix: prefix,
		opts:   cfg.Options.withDefaults(),
		logger: logger,
	}, nil
}

func (q *Redis) pendingKey() string    { return q.prefix + ":pending" }
func (q *Redis) processingKey() string { return q.prefix + ":processing" }
func (q *Redis) delayedKey() string    { return q.prefix + ":delayed" }

func (q *Redis) Enqueue(ctx context.Context, job models.TranscodeJob) error {
	payload, err := json.Marshal(Delivery{ID: uuid.NewString(), Attempt: 0, Job: job})
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.pendingKey(), payload).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	return nil
}

func (q *Redis) Dequeue(ctx context.Context) (Delivery, error) {
	if err := q.promoteDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
		q.logger.Warn("promote delayed jobs failed", "error", err)
	}
	raw, err := q.client.LMove(ctx, q.pendingKey(), q.processingKey(), "RIGHT", "LEFT").Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Delivery{}, ErrEmpty
		}
		return Delivery{}, fmt.Errorf("dequeue job: %w", err)
	}
	var delivery Delivery
	if err := json.Unmarshal([]byte(raw), &delivery); err != nil {
		// Poisoned payload: drop it rather than wedging the queue head.
		q.client.LRem(ctx, q.processingKey(), 1, raw)
		q.logger.Error("drop undecodable queue payload", "error", err)
		return Delivery{}, ErrEmpty
	}
	delivery.raw = []byte(raw)
	delivery.Attempt++
	delivery.Job.Attempts = delivery.Attempt - 1
	return delivery, nil
}

func (q *Redis) Ack(ctx context.Context, d Delivery) error {
	if len(d.raw) == 0 {
		return nil
	}
	if err := q.client.LRem(ctx, q.processingKey(), 1, string(d.raw)).Err(); err != nil {
		return fmt.Errorf("ack job %s: %w", d.ID, err)
	}
	return nil
}

func (q *Redis) Nack(ctx context.Context, d Delivery) error {
	if len(d.raw) == 0 {
		return nil
	}
	if err := q.client.LRem(ctx, q.processingKey(), 1, string(d.raw)).Err(); err != nil {
		return fmt.Errorf("nack job %s: %w", d.ID, err)
	}
	if d.Attempt >= q.opts.MaxAttempts {
		q.logger.Warn("job exhausted delivery attempts",
			"jobId", d.ID,
			"streamId", d.Job.StreamID,
			"segment", d.Job.SegmentNumber,
			"rendition", d.Job.Rendition.Name,
			"attempts", d.Attempt)
		return nil
	}
	next := Delivery{ID: d.ID, Attempt: d.Attempt, Job: d.Job}
	payload, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("marshal retry payload: %w", err)
	}
	due := time.Now().Add(q.opts.retryDelay(d.Attempt))
	if err := q.client.ZAdd(ctx, q.delayedKey(), redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(payload),
	}).Err(); err != nil {
		return fmt.Errorf("schedule retry for job %s: %w", d.ID, err)
	}
	return nil
}

func (q *Redis) Close() error {
	return q.client.Close()
}

// promoteDue moves payloads whose backoff expired from the delayed set back to
// the pending list. Called opportunistically on every dequeue so no separate
// timer goroutine is required.
func (q *Redis) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := q.client.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return err
	}
	for _, member := range members {
		removed, err := q.client.ZRem(ctx, q.delayedKey(), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			// Another orchestrator instance already promoted it.
			continue
		}
		if err := q.client.LPush(ctx, q.pendingKey(), member).Err(); err != nil {
			return err
		}
	}
	return nil
}

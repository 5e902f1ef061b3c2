// Package orchestrator tracks the worker pool, dispatches queued transcode
// jobs, and keeps the job ledger with per-job payments. All registry state is
// in memory; the queue is the only shared component, so orchestrator restarts
// lose worker and ledger history but never lose queued work.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"meshcast/internal/models"
	"meshcast/internal/observability/metrics"
	"meshcast/internal/queue"
)

var (
	// ErrWorkerNotFound is returned when an operation names an unregistered
	// worker id.
	ErrWorkerNotFound = errors.New("orchestrator: worker not found")

	// ErrJobNotFound is returned by read-only job lookups for unknown ids.
	ErrJobNotFound = errors.New("orchestrator: job not found")
)

// DefaultHeartbeatInterval is the expected cadence of worker heartbeats. A
// worker silent for more than three intervals is considered offline.
const DefaultHeartbeatInterval = 5 * time.Second

// offlineMultiplier scales the heartbeat interval into the liveness cutoff.
const offlineMultiplier = 3

// Config wires the Coordinator's collaborators.
type Config struct {
	Queue             queue.Queue
	Logger            *slog.Logger
	Metrics           *metrics.Recorder
	HeartbeatInterval time.Duration

	// Now is the clock used for heartbeats, job timing, and the liveness
	// sweep. Nil selects time.Now.
	Now func() time.Time
}

// Coordinator is the scheduling core. One mutex guards the worker registry,
// the job ledger, and the in-flight delivery map; queue operations happen
// outside the lock so a slow broker never blocks reads.
type Coordinator struct {
	queue             queue.Queue
	logger            *slog.Logger
	metrics           *metrics.Recorder
	heartbeatInterval time.Duration
	now               func() time.Time

	mu         sync.Mutex
	workers    map[string]*models.Worker
	jobs       map[string]*models.JobRecord
	jobOrder   []string
	deliveries map[string]queue.Delivery
}

// NewCoordinator initialises an empty registry around the given queue.
func NewCoordinator(cfg Config) (*Coordinator, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("orchestrator: queue is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	interval := cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	clock := cfg.Now
	if clock == nil {
		clock = time.Now
	}
	return &Coordinator{
		queue:             cfg.Queue,
		logger:            logger,
		metrics:           recorder,
		heartbeatInterval: interval,
		now:               clock,
		workers:           make(map[string]*models.Worker),
		jobs:              make(map[string]*models.JobRecord),
		deliveries:        make(map[string]queue.Delivery),
	}, nil
}

// HeartbeatInterval reports the configured heartbeat cadence.
func (c *Coordinator) HeartbeatInterval() time.Duration {
	return c.heartbeatInterval
}

// RegisterWorker admits a worker to the pool. A caller-supplied id is honored
// idempotently: re-registration refreshes capabilities and address and resets
// the worker to idle without minting a new identity.
func (c *Coordinator) RegisterWorker(id, ipAddress string, caps models.Capabilities) (models.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if id != "" {
		if existing, ok := c.workers[id]; ok {
			existing.IPAddress = ipAddress
			existing.Capabilities = caps
			existing.Status = models.WorkerIdle
			existing.LastHeartbeat = now
			c.logger.Info("worker re-registered", "workerId", id, "ip", ipAddress)
			return *existing, nil
		}
	} else {
		id = uuid.NewString()
	}

	worker := &models.Worker{
		ID:            id,
		IPAddress:     ipAddress,
		Status:        models.WorkerIdle,
		Capabilities:  caps,
		LastHeartbeat: now,
	}
	c.workers[id] = worker
	c.logger.Info("worker registered", "workerId", id, "ip", ipAddress, "cores", caps.CPU.Cores, "gpu", caps.GPU != nil)
	return *worker, nil
}

// Heartbeat refreshes a worker's liveness timestamp and reported status. A
// heartbeat from an offline worker readmits it at whatever status it reports.
func (c *Coordinator) Heartbeat(workerID string, status models.WorkerStatus) error {
	if !status.Valid() {
		return fmt.Errorf("orchestrator: invalid worker status %q", status)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	worker, ok := c.workers[workerID]
	if !ok {
		return ErrWorkerNotFound
	}
	if worker.Status == models.WorkerOffline {
		c.logger.Info("offline worker resumed heartbeats", "workerId", workerID, "status", status)
	}
	worker.Status = status
	worker.LastHeartbeat = c.now()
	return nil
}

// DequeueNext hands the oldest ready queue payload to the named worker. The
// queue pop is the exclusivity guarantee; the ledger record and busy flag are
// bookkeeping around it. Returns queue.ErrEmpty when nothing is ready.
func (c *Coordinator) DequeueNext(ctx context.Context, workerID string) (queue.Delivery, error) {
	c.mu.Lock()
	if _, ok := c.workers[workerID]; !ok {
		c.mu.Unlock()
		return queue.Delivery{}, ErrWorkerNotFound
	}
	c.mu.Unlock()

	delivery, err := c.queue.Dequeue(ctx)
	if err != nil {
		return queue.Delivery{}, err
	}

	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()

	// The worker may have been swept offline between the check and the pop; the
	// assignment still proceeds and the next sweep settles the record.
	if worker, ok := c.workers[workerID]; ok {
		if worker.Status != models.WorkerBusy {
			c.metrics.WorkerBusy(1)
		}
		worker.Status = models.WorkerBusy
		worker.LastHeartbeat = now
	}

	record := &models.JobRecord{
		ID:            delivery.ID,
		StreamID:      delivery.Job.StreamID,
		SegmentNumber: delivery.Job.SegmentNumber,
		Rendition:     delivery.Job.Rendition.Name,
		Status:        models.JobProcessing,
		WorkerID:      workerID,
		StartTime:     now,
	}
	if _, seen := c.jobs[delivery.ID]; !seen {
		c.jobOrder = append(c.jobOrder, delivery.ID)
	}
	c.jobs[delivery.ID] = record
	c.deliveries[delivery.ID] = delivery
	c.metrics.JobDispatched(record.Rendition)
	c.logger.Info("job dispatched",
		"jobId", delivery.ID,
		"workerId", workerID,
		"streamId", record.StreamID,
		"segment", record.SegmentNumber,
		"rendition", record.Rendition,
		"attempt", delivery.Attempt)
	return delivery, nil
}

// ReportComplete settles a job as completed: terminal status, timing, payment,
// worker back to idle, queue acknowledgement. An unknown jobId still yields a
// completed record synthesized from the output path so a restarted
// orchestrator credits work finished by agents that outlived it.
func (c *Coordinator) ReportComplete(ctx context.Context, jobID, workerID, outputPath string) (models.JobRecord, error) {
	c.mu.Lock()

	if _, ok := c.workers[workerID]; !ok {
		c.mu.Unlock()
		return models.JobRecord{}, ErrWorkerNotFound
	}

	now := c.now()
	record, ok := c.jobs[jobID]
	switch {
	case !ok:
		record = c.synthesizeRecord(jobID, workerID, outputPath, now)
		c.logger.Warn("completion for unknown job, synthesizing record",
			"jobId", jobID, "workerId", workerID, "outputPath", outputPath)
	case record.Status != models.JobProcessing:
		// Terminal records never retransition; redundant reports are dropped.
		// The worker is not settled here; if it was left busy (job swept while
		// in flight), its next heartbeat sets the status.
		result := *record
		c.mu.Unlock()
		return result, nil
	default:
		end := now
		record.Status = models.JobCompleted
		record.EndTime = &end
		record.DurationMs = end.Sub(record.StartTime).Milliseconds()
	}
	record.Payment = PaymentFor(record.Rendition, models.JobCompleted)

	c.settleWorkerLocked(workerID, true)
	delivery, hasDelivery := c.deliveries[jobID]
	delete(c.deliveries, jobID)
	result := *record
	c.mu.Unlock()

	c.metrics.JobSettled(result.Rendition, string(models.JobCompleted))
	if hasDelivery {
		if err := c.queue.Ack(ctx, delivery); err != nil {
			c.logger.Error("failed to ack completed job", "jobId", jobID, "error", err)
		}
	}
	c.logger.Info("job completed",
		"jobId", jobID,
		"workerId", workerID,
		"durationMs", result.DurationMs,
		"payment", result.Payment)
	return result, nil
}

// ReportFailure settles a job as failed with the reduced payment tier and
// schedules the payload for redelivery through the queue's retry policy.
func (c *Coordinator) ReportFailure(ctx context.Context, jobID, workerID, errorDetail string) (models.JobRecord, error) {
	c.mu.Lock()

	if _, ok := c.workers[workerID]; !ok {
		c.mu.Unlock()
		return models.JobRecord{}, ErrWorkerNotFound
	}

	now := c.now()
	record, ok := c.jobs[jobID]
	switch {
	case !ok:
		record = c.synthesizeRecord(jobID, workerID, "", now)
		record.Status = models.JobFailed
		record.Error = errorDetail
		c.logger.Warn("failure for unknown job, synthesizing record",
			"jobId", jobID, "workerId", workerID)
	case record.Status != models.JobProcessing:
		// Same drop as ReportComplete; the heartbeat loop corrects any worker
		// left busy by the skipped settle.
		result := *record
		c.mu.Unlock()
		return result, nil
	default:
		end := now
		record.Status = models.JobFailed
		record.EndTime = &end
		record.DurationMs = end.Sub(record.StartTime).Milliseconds()
		record.Error = errorDetail
	}
	record.Payment = PaymentFor(record.Rendition, models.JobFailed)

	c.settleWorkerLocked(workerID, false)
	delivery, hasDelivery := c.deliveries[jobID]
	delete(c.deliveries, jobID)
	result := *record
	c.mu.Unlock()

	c.metrics.JobSettled(result.Rendition, string(models.JobFailed))
	if hasDelivery {
		if err := c.queue.Nack(ctx, delivery); err != nil {
			c.logger.Error("failed to nack failed job", "jobId", jobID, "error", err)
		}
	}
	c.logger.Warn("job failed",
		"jobId", jobID,
		"workerId", workerID,
		"error", errorDetail,
		"payment", result.Payment)
	return result, nil
}

// settleWorkerLocked returns a worker to idle after a report and bumps its
// processed count on success. Callers hold c.mu.
func (c *Coordinator) settleWorkerLocked(workerID string, completed bool) {
	worker, ok := c.workers[workerID]
	if !ok {
		return
	}
	if completed {
		worker.JobsProcessed++
	}
	if worker.Status == models.WorkerBusy {
		worker.Status = models.WorkerIdle
		c.metrics.WorkerBusy(-1)
	}
	worker.LastHeartbeat = c.now()
}

// synthesizeRecord builds a minimal completed record for a report whose job is
// not in the ledger. Stream, rendition, and sequence are recovered from the
// trailing output path components when present.
func (c *Coordinator) synthesizeRecord(jobID, workerID, outputPath string, now time.Time) *models.JobRecord {
	streamID, rendition, segment := parseOutputPath(outputPath)
	start := now.Add(-5 * time.Second)
	end := now
	record := &models.JobRecord{
		ID:            jobID,
		StreamID:      streamID,
		SegmentNumber: segment,
		Rendition:     rendition,
		Status:        models.JobCompleted,
		WorkerID:      workerID,
		StartTime:     start,
		EndTime:       &end,
		DurationMs:    end.Sub(start).Milliseconds(),
	}
	if _, seen := c.jobs[jobID]; !seen {
		c.jobOrder = append(c.jobOrder, jobID)
	}
	c.jobs[jobID] = record
	return record
}

// parseOutputPath recovers (streamId, rendition, sequence) from the trailing
// components of a {root}/{streamId}/{rendition}/{n}.ts output path.
func parseOutputPath(outputPath string) (string, string, int) {
	streamID, rendition, segment := "unknown-stream", "360p", 0
	parts := strings.Split(strings.Trim(outputPath, "/"), "/")
	if len(parts) < 3 {
		return streamID, rendition, segment
	}
	file := parts[len(parts)-1]
	if n, err := strconv.Atoi(strings.TrimSuffix(file, ".ts")); err == nil && strings.HasSuffix(file, ".ts") {
		segment = n
	}
	rendition = parts[len(parts)-2]
	streamID = parts[len(parts)-3]
	return streamID, rendition, segment
}

// Workers returns a snapshot of the registry sorted by id.
func (c *Coordinator) Workers() []models.Worker {
	c.mu.Lock()
	defer c.mu.Unlock()
	list := make([]models.Worker, 0, len(c.workers))
	for _, worker := range c.workers {
		list = append(list, *worker)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

// Worker returns the registry record for one worker.
func (c *Coordinator) Worker(workerID string) (models.Worker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	worker, ok := c.workers[workerID]
	if !ok {
		return models.Worker{}, ErrWorkerNotFound
	}
	return *worker, nil
}

// Jobs returns the full ledger, newest dispatch first.
func (c *Coordinator) Jobs() []models.JobRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobsLocked(func(*models.JobRecord) bool { return true })
}

// WorkerJobs returns the ledger entries attributed to one worker, newest
// first.
func (c *Coordinator) WorkerJobs(workerID string) ([]models.JobRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.workers[workerID]; !ok {
		return nil, ErrWorkerNotFound
	}
	return c.jobsLocked(func(r *models.JobRecord) bool { return r.WorkerID == workerID }), nil
}

func (c *Coordinator) jobsLocked(keep func(*models.JobRecord) bool) []models.JobRecord {
	list := make([]models.JobRecord, 0, len(c.jobOrder))
	for i := len(c.jobOrder) - 1; i >= 0; i-- {
		record := c.jobs[c.jobOrder[i]]
		if keep(record) {
			list = append(list, *record)
		}
	}
	return list
}

// WorkerStats aggregates one worker's ledger history.
func (c *Coordinator) WorkerStats(workerID string) (models.WorkerStatsView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	worker, ok := c.workers[workerID]
	if !ok {
		return models.WorkerStatsView{}, ErrWorkerNotFound
	}

	stats := models.WorkerStatsView{
		WorkerID:   workerID,
		Status:     worker.Status,
		LastActive: worker.LastHeartbeat,
	}
	for _, id := range c.jobOrder {
		record := c.jobs[id]
		if record.WorkerID != workerID {
			continue
		}
		stats.TotalJobs++
		switch record.Status {
		case models.JobCompleted:
			stats.CompletedJobs++
			stats.TotalEarnings = stats.TotalEarnings.Add(record.Payment)
		case models.JobFailed:
			stats.FailedJobs++
		case models.JobProcessing:
			stats.ProcessingJobs++
		}
	}
	stats.SuccessRate = successRate(stats.CompletedJobs, stats.TotalJobs)
	return stats, nil
}

// DashboardStats aggregates pool-wide counters. Active workers are those not
// offline whose last heartbeat is within twice the heartbeat interval.
func (c *Coordinator) DashboardStats() models.DashboardStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	activeCutoff := 2 * c.heartbeatInterval
	stats := models.DashboardStats{TotalWorkers: len(c.workers)}
	for _, worker := range c.workers {
		if worker.Status != models.WorkerOffline && now.Sub(worker.LastHeartbeat) <= activeCutoff {
			stats.ActiveWorkers++
		}
	}
	for _, id := range c.jobOrder {
		record := c.jobs[id]
		stats.TotalJobs++
		switch record.Status {
		case models.JobCompleted:
			stats.CompletedJobs++
			stats.TotalPayments = stats.TotalPayments.Add(record.Payment)
		case models.JobFailed:
			stats.FailedJobs++
		case models.JobProcessing:
			stats.ProcessingJobs++
		}
	}
	stats.SuccessRate = successRate(stats.CompletedJobs, stats.TotalJobs)
	return stats
}

// successRate is completed over all attributed jobs, processing included, as a
// percentage with one decimal. No jobs reports 100.
func successRate(completed, total int) float64 {
	if total == 0 {
		return 100
	}
	rate := float64(completed) / float64(total) * 100
	return float64(int(rate*10+0.5)) / 10
}

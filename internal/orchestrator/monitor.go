package orchestrator

import (
	"context"
	"time"

	"meshcast/internal/models"
	"meshcast/internal/queue"
)

// Sweep demotes workers that have been silent for more than three heartbeat
// intervals to offline and fails every processing ledger record attributed to
// them. Each record is settled exactly once: a record the sweep finds already
// terminal is left untouched, and a swept record cannot be settled again by a
// late worker report.
func (c *Coordinator) Sweep(ctx context.Context) {
	cutoff := time.Duration(offlineMultiplier) * c.heartbeatInterval

	c.mu.Lock()
	now := c.now()
	type orphan struct {
		record   models.JobRecord
		delivery queue.Delivery
		hasDel   bool
	}
	var orphans []orphan
	for _, worker := range c.workers {
		if worker.Status == models.WorkerOffline || now.Sub(worker.LastHeartbeat) <= cutoff {
			continue
		}
		if worker.Status == models.WorkerBusy {
			c.metrics.WorkerBusy(-1)
		}
		worker.Status = models.WorkerOffline
		c.logger.Warn("worker marked offline",
			"workerId", worker.ID,
			"lastHeartbeat", worker.LastHeartbeat,
			"silentFor", now.Sub(worker.LastHeartbeat).String())

		for _, id := range c.jobOrder {
			record := c.jobs[id]
			if record.WorkerID != worker.ID || record.Status != models.JobProcessing {
				continue
			}
			end := now
			record.Status = models.JobFailed
			record.EndTime = &end
			record.DurationMs = end.Sub(record.StartTime).Milliseconds()
			record.Error = "worker went offline"
			record.Payment = PaymentFor(record.Rendition, models.JobFailed)
			delivery, hasDel := c.deliveries[id]
			delete(c.deliveries, id)
			orphans = append(orphans, orphan{record: *record, delivery: delivery, hasDel: hasDel})
		}
	}
	c.mu.Unlock()

	for _, o := range orphans {
		c.metrics.JobSettled(o.record.Rendition, string(models.JobFailed))
		if o.hasDel {
			if err := c.queue.Nack(ctx, o.delivery); err != nil {
				c.logger.Error("failed to nack orphaned job", "jobId", o.record.ID, "error", err)
			}
		}
		c.logger.Warn("job failed by liveness sweep",
			"jobId", o.record.ID,
			"workerId", o.record.WorkerID,
			"payment", o.record.Payment)
	}
}

// RunSweeper runs the liveness sweep on the heartbeat interval until the
// context is cancelled.
func (c *Coordinator) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

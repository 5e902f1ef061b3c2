package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"meshcast/internal/models"
	"meshcast/internal/observability/metrics"
	"meshcast/internal/queue"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestCoordinator(t *testing.T) (*Coordinator, *queue.Memory, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	q := queue.NewMemory(queue.Options{})
	coordinator, err := NewCoordinator(Config{
		Queue:             q,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		Metrics:           metrics.New(),
		HeartbeatInterval: 5 * time.Second,
		Now:               clock.Now,
	})
	if err != nil {
		t.Fatalf("create coordinator: %v", err)
	}
	return coordinator, q, clock
}

func registerTestWorker(t *testing.T, c *Coordinator, id string) models.Worker {
	t.Helper()
	worker, err := c.RegisterWorker(id, "10.0.0.1", models.Capabilities{
		CPU:               models.CPUInfo{Cores: 8, Model: "test"},
		MemoryMB:          16384,
		MaxConcurrentJobs: 1,
	})
	if err != nil {
		t.Fatalf("register worker: %v", err)
	}
	return worker
}

func enqueueTestJob(t *testing.T, q *queue.Memory, rendition string, segment int) {
	t.Helper()
	err := q.Enqueue(context.Background(), models.TranscodeJob{
		SegmentID:     "seg",
		StreamID:      "stream-1",
		SegmentNumber: segment,
		InputPath:     "/segments/stream-1/0.ts",
		OutputPath:    "/segments/stream-1/" + rendition + "/0.ts",
		Rendition:     models.Rendition{Name: rendition},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

func TestRegisterWorkerGeneratesUniqueIDs(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	first := registerTestWorker(t, c, "")
	second := registerTestWorker(t, c, "")
	if first.ID == "" || second.ID == "" {
		t.Fatal("expected generated worker ids")
	}
	if first.ID == second.ID {
		t.Fatalf("worker ids collide: %s", first.ID)
	}
	if first.Status != models.WorkerIdle {
		t.Fatalf("new worker status = %s, want idle", first.Status)
	}
}

func TestRegisterWorkerIdempotentWithCallerID(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	first := registerTestWorker(t, c, "worker-1")
	again, err := c.RegisterWorker("worker-1", "10.0.0.2", models.Capabilities{
		CPU: models.CPUInfo{Cores: 16},
	})
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}
	if again.ID != first.ID {
		t.Fatalf("re-registration minted new id %s", again.ID)
	}
	if again.Capabilities.CPU.Cores != 16 || again.IPAddress != "10.0.0.2" {
		t.Fatal("re-registration did not refresh the record")
	}
	if len(c.Workers()) != 1 {
		t.Fatalf("worker count = %d, want 1", len(c.Workers()))
	}
}

func TestHeartbeat(t *testing.T) {
	c, _, clock := newTestCoordinator(t)
	worker := registerTestWorker(t, c, "worker-1")

	clock.Advance(3 * time.Second)
	if err := c.Heartbeat(worker.ID, models.WorkerBusy); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	updated, err := c.Worker(worker.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.WorkerBusy {
		t.Fatalf("status = %s, want busy", updated.Status)
	}
	if !updated.LastHeartbeat.Equal(clock.Now()) {
		t.Fatal("heartbeat did not refresh timestamp")
	}

	if err := c.Heartbeat("missing", models.WorkerIdle); !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
	if err := c.Heartbeat(worker.ID, models.WorkerStatus("sleeping")); err == nil {
		t.Fatal("expected error for invalid status")
	}
}

func TestDequeueExclusivity(t *testing.T) {
	c, q, _ := newTestCoordinator(t)
	ctx := context.Background()

	workerIDs := make([]string, 4)
	for i := range workerIDs {
		workerIDs[i] = registerTestWorker(t, c, "").ID
	}
	enqueueTestJob(t, q, "480p", 0)
	enqueueTestJob(t, q, "480p", 1)

	delivered := make(map[string]bool)
	assigned := 0
	for _, workerID := range workerIDs {
		delivery, err := c.DequeueNext(ctx, workerID)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			t.Fatalf("dequeue for %s: %v", workerID, err)
		}
		if delivered[delivery.ID] {
			t.Fatalf("job %s delivered twice", delivery.ID)
		}
		delivered[delivery.ID] = true
		assigned++
	}
	if assigned != 2 {
		t.Fatalf("assigned %d jobs, want 2", assigned)
	}
}

func TestDequeueUnknownWorker(t *testing.T) {
	c, q, _ := newTestCoordinator(t)
	enqueueTestJob(t, q, "480p", 0)
	if _, err := c.DequeueNext(context.Background(), "missing"); !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestDequeueMarksWorkerBusy(t *testing.T) {
	c, q, _ := newTestCoordinator(t)
	worker := registerTestWorker(t, c, "worker-1")
	enqueueTestJob(t, q, "480p", 0)

	delivery, err := c.DequeueNext(context.Background(), worker.ID)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	updated, _ := c.Worker(worker.ID)
	if updated.Status != models.WorkerBusy {
		t.Fatalf("worker status = %s, want busy", updated.Status)
	}
	jobs := c.Jobs()
	if len(jobs) != 1 {
		t.Fatalf("ledger has %d records, want 1", len(jobs))
	}
	if jobs[0].ID != delivery.ID || jobs[0].Status != models.JobProcessing {
		t.Fatalf("ledger record = %+v", jobs[0])
	}
}

func TestReportCompleteSettlesPayment(t *testing.T) {
	c, q, clock := newTestCoordinator(t)
	ctx := context.Background()
	worker := registerTestWorker(t, c, "worker-1")
	enqueueTestJob(t, q, "1080p", 0)

	delivery, err := c.DequeueNext(ctx, worker.ID)
	if err != nil {
		t.Fatal(err)
	}
	clock.Advance(2 * time.Second)

	record, err := c.ReportComplete(ctx, delivery.ID, worker.ID, delivery.Job.OutputPath)
	if err != nil {
		t.Fatalf("report complete: %v", err)
	}
	if record.Status != models.JobCompleted {
		t.Fatalf("status = %s, want completed", record.Status)
	}
	if record.DurationMs != 2000 {
		t.Fatalf("duration = %dms, want 2000", record.DurationMs)
	}
	if got := record.Payment.DecimalString(); got != "0.004" {
		t.Fatalf("1080p completed payment = %s, want 0.004", got)
	}

	updated, _ := c.Worker(worker.ID)
	if updated.Status != models.WorkerIdle {
		t.Fatalf("worker status = %s, want idle", updated.Status)
	}
	if updated.JobsProcessed != 1 {
		t.Fatalf("jobsProcessed = %d, want 1", updated.JobsProcessed)
	}
	if got := q.Len(); got != 0 {
		t.Fatalf("queue len after ack = %d, want 0", got)
	}
}

func TestReportFailureSettlesReducedPayment(t *testing.T) {
	c, q, _ := newTestCoordinator(t)
	ctx := context.Background()
	worker := registerTestWorker(t, c, "worker-1")
	enqueueTestJob(t, q, "360p", 0)

	delivery, err := c.DequeueNext(ctx, worker.ID)
	if err != nil {
		t.Fatal(err)
	}
	record, err := c.ReportFailure(ctx, delivery.ID, worker.ID, "encoder failure")
	if err != nil {
		t.Fatalf("report failure: %v", err)
	}
	if record.Status != models.JobFailed {
		t.Fatalf("status = %s, want failed", record.Status)
	}
	if record.Error != "encoder failure" {
		t.Fatalf("error detail = %q", record.Error)
	}
	if got := record.Payment.DecimalString(); got != "0.0002" {
		t.Fatalf("360p failed payment = %s, want 0.0002", got)
	}
	// The nacked payload stays queued for redelivery.
	if got := q.Len(); got != 1 {
		t.Fatalf("queue len after nack = %d, want 1", got)
	}
}

func TestTerminalRecordsNeverRetransition(t *testing.T) {
	c, q, _ := newTestCoordinator(t)
	ctx := context.Background()
	worker := registerTestWorker(t, c, "worker-1")
	enqueueTestJob(t, q, "720p", 0)

	delivery, err := c.DequeueNext(ctx, worker.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.ReportComplete(ctx, delivery.ID, worker.ID, delivery.Job.OutputPath); err != nil {
		t.Fatal(err)
	}
	record, err := c.ReportFailure(ctx, delivery.ID, worker.ID, "late failure")
	if err != nil {
		t.Fatalf("late failure report: %v", err)
	}
	if record.Status != models.JobCompleted {
		t.Fatalf("terminal record retransitioned to %s", record.Status)
	}
	if got := record.Payment.DecimalString(); got != "0.003" {
		t.Fatalf("payment changed on redundant report: %s", got)
	}
}

func TestReportCompleteUnknownJobSynthesizesRecord(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	ctx := context.Background()
	worker := registerTestWorker(t, c, "worker-1")

	record, err := c.ReportComplete(ctx, "ghost-job", worker.ID, "/segments/stream-7/720p/42.ts")
	if err != nil {
		t.Fatalf("report complete: %v", err)
	}
	if record.StreamID != "stream-7" || record.Rendition != "720p" || record.SegmentNumber != 42 {
		t.Fatalf("synthesized record = %+v", record)
	}
	if record.Status != models.JobCompleted {
		t.Fatalf("status = %s, want completed", record.Status)
	}
	if record.DurationMs != 5000 {
		t.Fatalf("synthesized duration = %dms, want 5000", record.DurationMs)
	}
	if got := record.Payment.DecimalString(); got != "0.003" {
		t.Fatalf("720p completed payment = %s, want 0.003", got)
	}
}

func TestReportCompleteUnparseableOutputPathFallsBack(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	worker := registerTestWorker(t, c, "worker-1")

	record, err := c.ReportComplete(context.Background(), "ghost-job", worker.ID, "junk")
	if err != nil {
		t.Fatal(err)
	}
	if record.StreamID != "unknown-stream" || record.Rendition != "360p" || record.SegmentNumber != 0 {
		t.Fatalf("fallback record = %+v", record)
	}
}

func TestReportUnknownWorkerRejected(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	if _, err := c.ReportComplete(context.Background(), "job", "missing", "/a/b/0.ts"); !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
	if _, err := c.ReportFailure(context.Background(), "job", "missing", "x"); !errors.Is(err, ErrWorkerNotFound) {
		t.Fatalf("expected ErrWorkerNotFound, got %v", err)
	}
}

func TestSweepFailsOrphanedJobsExactlyOnce(t *testing.T) {
	c, q, clock := newTestCoordinator(t)
	ctx := context.Background()
	worker := registerTestWorker(t, c, "worker-1")
	enqueueTestJob(t, q, "480p", 0)

	if _, err := c.DequeueNext(ctx, worker.ID); err != nil {
		t.Fatal(err)
	}

	// Inside the cutoff nothing happens.
	clock.Advance(10 * time.Second)
	c.Sweep(ctx)
	if w, _ := c.Worker(worker.ID); w.Status == models.WorkerOffline {
		t.Fatal("worker swept before the cutoff")
	}

	clock.Advance(10 * time.Second)
	c.Sweep(ctx)
	swept, _ := c.Worker(worker.ID)
	if swept.Status != models.WorkerOffline {
		t.Fatalf("worker status = %s, want offline", swept.Status)
	}
	jobs := c.Jobs()
	if len(jobs) != 1 || jobs[0].Status != models.JobFailed {
		t.Fatalf("ledger after sweep = %+v", jobs)
	}
	if got := jobs[0].Payment.DecimalString(); got != "0.00024" {
		t.Fatalf("480p failed payment = %s, want 0.00024", got)
	}
	endTime := jobs[0].EndTime

	// A second sweep leaves the settled record untouched.
	clock.Advance(time.Minute)
	c.Sweep(ctx)
	again := c.Jobs()
	if again[0].EndTime == nil || !again[0].EndTime.Equal(*endTime) {
		t.Fatal("sweep settled the record twice")
	}
}

func TestHeartbeatRevivesSweptWorker(t *testing.T) {
	c, _, clock := newTestCoordinator(t)
	worker := registerTestWorker(t, c, "worker-1")

	clock.Advance(time.Minute)
	c.Sweep(context.Background())
	if w, _ := c.Worker(worker.ID); w.Status != models.WorkerOffline {
		t.Fatal("worker should be offline")
	}

	if err := c.Heartbeat(worker.ID, models.WorkerIdle); err != nil {
		t.Fatalf("heartbeat after sweep: %v", err)
	}
	revived, _ := c.Worker(worker.ID)
	if revived.Status != models.WorkerIdle {
		t.Fatalf("status = %s, want idle", revived.Status)
	}
}

func TestWorkerStats(t *testing.T) {
	c, q, _ := newTestCoordinator(t)
	ctx := context.Background()
	worker := registerTestWorker(t, c, "worker-1")

	enqueueTestJob(t, q, "1080p", 0)
	enqueueTestJob(t, q, "360p", 1)
	enqueueTestJob(t, q, "480p", 2)

	first, _ := c.DequeueNext(ctx, worker.ID)
	if _, err := c.ReportComplete(ctx, first.ID, worker.ID, first.Job.OutputPath); err != nil {
		t.Fatal(err)
	}
	second, _ := c.DequeueNext(ctx, worker.ID)
	if _, err := c.ReportFailure(ctx, second.ID, worker.ID, "boom"); err != nil {
		t.Fatal(err)
	}
	if _, err := c.DequeueNext(ctx, worker.ID); err != nil {
		t.Fatal(err)
	}

	stats, err := c.WorkerStats(worker.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalJobs != 3 || stats.CompletedJobs != 1 || stats.FailedJobs != 1 || stats.ProcessingJobs != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	// One completed out of three attributed jobs, processing included.
	if stats.SuccessRate != 33.3 {
		t.Fatalf("successRate = %v, want 33.3", stats.SuccessRate)
	}
	// Only the completed 1080p job earns; the failed payment stays on its
	// record without counting toward earnings.
	if got := stats.TotalEarnings.DecimalString(); got != "0.004" {
		t.Fatalf("totalEarnings = %s, want 0.004", got)
	}
}

func TestWorkerStatsNoJobs(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	worker := registerTestWorker(t, c, "worker-1")

	stats, err := c.WorkerStats(worker.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stats.SuccessRate != 100.0 {
		t.Fatalf("successRate with no jobs = %v, want 100", stats.SuccessRate)
	}
	if !stats.TotalEarnings.IsZero() {
		t.Fatalf("totalEarnings = %s, want 0", stats.TotalEarnings.DecimalString())
	}
}

func TestDashboardExcludesFailedPayments(t *testing.T) {
	c, q, _ := newTestCoordinator(t)
	ctx := context.Background()
	worker := registerTestWorker(t, c, "worker-1")

	enqueueTestJob(t, q, "720p", 0)
	enqueueTestJob(t, q, "360p", 1)

	first, _ := c.DequeueNext(ctx, worker.ID)
	if _, err := c.ReportComplete(ctx, first.ID, worker.ID, first.Job.OutputPath); err != nil {
		t.Fatal(err)
	}
	second, _ := c.DequeueNext(ctx, worker.ID)
	if _, err := c.ReportFailure(ctx, second.ID, worker.ID, "boom"); err != nil {
		t.Fatal(err)
	}

	stats := c.DashboardStats()
	if got := stats.TotalPayments.DecimalString(); got != "0.003" {
		t.Fatalf("totalPayments = %s, want the completed job only", got)
	}
	if stats.SuccessRate != 50.0 {
		t.Fatalf("successRate = %v, want 50", stats.SuccessRate)
	}
}

func TestDashboardStats(t *testing.T) {
	c, q, clock := newTestCoordinator(t)
	ctx := context.Background()
	active := registerTestWorker(t, c, "worker-active")
	registerTestWorker(t, c, "worker-stale")

	enqueueTestJob(t, q, "720p", 0)
	delivery, _ := c.DequeueNext(ctx, active.ID)
	if _, err := c.ReportComplete(ctx, delivery.ID, active.ID, delivery.Job.OutputPath); err != nil {
		t.Fatal(err)
	}

	// Only the worker that kept heartbeating counts as active.
	clock.Advance(11 * time.Second)
	if err := c.Heartbeat(active.ID, models.WorkerIdle); err != nil {
		t.Fatal(err)
	}

	stats := c.DashboardStats()
	if stats.TotalWorkers != 2 {
		t.Fatalf("totalWorkers = %d, want 2", stats.TotalWorkers)
	}
	if stats.ActiveWorkers != 1 {
		t.Fatalf("activeWorkers = %d, want 1", stats.ActiveWorkers)
	}
	if stats.TotalJobs != 1 || stats.CompletedJobs != 1 {
		t.Fatalf("job counters = %+v", stats)
	}
	if stats.SuccessRate != 100.0 {
		t.Fatalf("successRate = %v, want 100", stats.SuccessRate)
	}
	if got := stats.TotalPayments.DecimalString(); got != "0.003" {
		t.Fatalf("totalPayments = %s, want 0.003", got)
	}
}

func TestJobsNewestFirst(t *testing.T) {
	c, q, _ := newTestCoordinator(t)
	ctx := context.Background()
	worker := registerTestWorker(t, c, "worker-1")
	enqueueTestJob(t, q, "480p", 0)
	enqueueTestJob(t, q, "480p", 1)

	first, _ := c.DequeueNext(ctx, worker.ID)
	if _, err := c.ReportComplete(ctx, first.ID, worker.ID, first.Job.OutputPath); err != nil {
		t.Fatal(err)
	}
	second, _ := c.DequeueNext(ctx, worker.ID)

	jobs := c.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("ledger has %d records, want 2", len(jobs))
	}
	if jobs[0].ID != second.ID {
		t.Fatal("jobs are not newest first")
	}
}

// Package agent implements the worker daemon: it registers with the
// orchestrator, heartbeats on a fixed cadence, polls for transcode jobs, and
// executes them one at a time through the media encoder.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/renameio/v2"
	"golang.org/x/sync/errgroup"

	"meshcast/internal/media"
	"meshcast/internal/models"
)

const (
	// DefaultHeartbeatInterval matches the orchestrator's expected cadence.
	DefaultHeartbeatInterval = 5 * time.Second

	// DefaultPollInterval is the job poll cadence while idle.
	DefaultPollInterval = time.Second

	// DefaultShutdownGrace bounds how long shutdown waits for an in-flight
	// job before killing its encoder.
	DefaultShutdownGrace = 30 * time.Second
)

// workerIDFile is the state file under the work dir that preserves the
// worker's identity across restarts.
const workerIDFile = "worker.id"

// Config wires the Agent.
type Config struct {
	Client            *Client
	Encoder           *media.Encoder
	Logger            *slog.Logger
	WorkDir           string
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	ShutdownGrace     time.Duration

	// Capabilities overrides host detection when non-nil. Used by tests.
	Capabilities *models.Capabilities
}

// Agent is one worker process. Job execution is strictly serialized: the poll
// loop skips while the busy flag is held, whatever MaxConcurrentJobs the
// capabilities advertise.
type Agent struct {
	client        *Client
	encoder       *media.Encoder
	logger        *slog.Logger
	workDir       string
	heartbeatEach time.Duration
	pollEach      time.Duration
	shutdownGrace time.Duration
	capsOverride  *models.Capabilities

	workerID string
	busy     atomic.Bool
	jobs     sync.WaitGroup

	jobCtx     context.Context
	cancelJobs context.CancelFunc
}

// New validates the config and applies defaults.
func New(cfg Config) (*Agent, error) {
	if cfg.Client == nil {
		return nil, fmt.Errorf("agent: orchestrator client is required")
	}
	if cfg.Encoder == nil {
		return nil, fmt.Errorf("agent: encoder is required")
	}
	if strings.TrimSpace(cfg.WorkDir) == "" {
		return nil, fmt.Errorf("agent: work dir is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = DefaultShutdownGrace
	}
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	return &Agent{
		client:        cfg.Client,
		encoder:       cfg.Encoder,
		logger:        logger,
		workDir:       cfg.WorkDir,
		heartbeatEach: heartbeat,
		pollEach:      poll,
		shutdownGrace: grace,
		capsOverride:  cfg.Capabilities,
		jobCtx:        jobCtx,
		cancelJobs:    cancelJobs,
	}, nil
}

// WorkerID reports the registered identity. Empty before Run registers.
func (a *Agent) WorkerID() string {
	return a.workerID
}

// Run registers the worker and drives the heartbeat and poll loops until the
// context is cancelled. Registration failure is fatal; a worker that cannot
// register has nothing to do.
func (a *Agent) Run(ctx context.Context) error {
	if err := os.MkdirAll(a.workDir, 0o755); err != nil {
		return fmt.Errorf("prepare work dir: %w", err)
	}

	caps := a.capabilities(ctx)
	persistedID := a.loadWorkerID()
	worker, err := a.client.Register(ctx, persistedID, caps)
	if err != nil {
		return fmt.Errorf("agent registration failed: %w", err)
	}
	a.workerID = worker.ID
	if err := a.saveWorkerID(worker.ID); err != nil {
		a.logger.Warn("could not persist worker id", "error", err)
	}
	a.logger.Info("worker registered",
		"workerId", worker.ID,
		"cores", caps.CPU.Cores,
		"memoryMB", caps.MemoryMB,
		"gpu", caps.GPU != nil)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return a.heartbeatLoop(groupCtx) })
	group.Go(func() error { return a.pollLoop(groupCtx) })
	err = group.Wait()

	a.waitForInflight()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// waitForInflight gives a running job the shutdown grace period before
// cancelling its encoder process.
func (a *Agent) waitForInflight() {
	done := make(chan struct{})
	go func() {
		a.jobs.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(a.shutdownGrace):
		a.logger.Warn("shutdown grace elapsed, killing in-flight job")
		a.cancelJobs()
		<-done
	}
	a.cancelJobs()
}

func (a *Agent) capabilities(ctx context.Context) models.Capabilities {
	if a.capsOverride != nil {
		return *a.capsOverride
	}
	return DetectCapabilities(ctx)
}

// heartbeatLoop reports liveness on the configured cadence. Failures are
// logged and the loop keeps going; the orchestrator tolerates gaps up to its
// offline cutoff.
func (a *Agent) heartbeatLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.heartbeatEach)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			status := models.WorkerIdle
			if a.busy.Load() {
				status = models.WorkerBusy
			}
			if err := a.client.Heartbeat(ctx, a.workerID, status); err != nil {
				a.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// pollLoop asks for work on the poll cadence, skipping while a job is in
// flight.
func (a *Agent) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(a.pollEach)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if a.busy.Load() {
				continue
			}
			jobID, job, err := a.client.NextJob(ctx, a.workerID)
			if errors.Is(err, ErrNoJob) {
				continue
			}
			if err != nil {
				a.logger.Warn("job poll failed", "error", err)
				continue
			}
			if !a.busy.CompareAndSwap(false, true) {
				continue
			}
			a.jobs.Add(1)
			go func() {
				defer a.jobs.Done()
				defer a.busy.Store(false)
				a.ProcessJob(a.jobCtx, jobID, job)
			}()
		}
	}
}

// ProcessJob runs one job end to end: validate the input (repairing once if
// corrupt), transcode to a staging file, publish the output atomically, and
// report the outcome. Reporting uses a background-derived context so a result
// still reaches the orchestrator when the job context dies mid-report.
func (a *Agent) ProcessJob(ctx context.Context, jobID string, job models.TranscodeJob) {
	logger := a.logger.With(
		"jobId", jobID,
		"streamId", job.StreamID,
		"segment", job.SegmentNumber,
		"rendition", job.Rendition.Name)
	logger.Info("processing job")

	reportCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := a.runJob(ctx, jobID, job); err != nil {
		logger.Error("job failed", "error", err)
		if reportErr := a.client.ReportFailure(reportCtx, jobID, a.workerID, err.Error()); reportErr != nil {
			logger.Error("could not report failure", "error", reportErr)
		}
		return
	}
	if err := a.client.ReportComplete(reportCtx, jobID, a.workerID, job.OutputPath); err != nil {
		logger.Error("could not report completion", "error", err)
		return
	}
	logger.Info("job completed")
}

func (a *Agent) runJob(ctx context.Context, jobID string, job models.TranscodeJob) error {
	staging := filepath.Join(a.workDir, "staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return fmt.Errorf("prepare staging dir: %w", err)
	}

	// The raw segment is shared across this segment's rendition jobs, so a
	// corrupt input is repaired into a worker-local copy and the original is
	// left alone.
	inputPath := job.InputPath
	if err := a.encoder.Validate(ctx, inputPath); err != nil {
		if !errors.Is(err, media.ErrInvalidInput) {
			return err
		}
		a.logger.Warn("input segment invalid, attempting repair",
			"jobId", jobID, "input", inputPath, "error", err)
		repairedPath := filepath.Join(staging, fmt.Sprintf("%s-%s-repaired.ts", job.SegmentID, job.Rendition.Name))
		defer os.Remove(repairedPath)
		if repairErr := a.encoder.Repair(ctx, inputPath, repairedPath); repairErr != nil {
			return repairErr
		}
		inputPath = repairedPath
	}

	stagingPath := filepath.Join(staging, fmt.Sprintf("%s-%s.ts", job.SegmentID, job.Rendition.Name))
	defer os.Remove(stagingPath)

	if err := a.encoder.Transcode(ctx, inputPath, stagingPath, job.Rendition); err != nil {
		return err
	}
	return publish(stagingPath, job.OutputPath)
}

// publish moves the finished segment to its final path atomically so the
// playlist synthesizer never observes a partially written file.
func publish(stagingPath, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("prepare output dir: %w", err)
	}
	data, err := os.ReadFile(stagingPath)
	if err != nil {
		return fmt.Errorf("read staged segment: %w", err)
	}
	if err := renameio.WriteFile(outputPath, data, 0o644); err != nil {
		return fmt.Errorf("publish segment: %w", err)
	}
	return nil
}

func (a *Agent) workerIDPath() string {
	return filepath.Join(a.workDir, workerIDFile)
}

func (a *Agent) loadWorkerID() string {
	data, err := os.ReadFile(a.workerIDPath())
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func (a *Agent) saveWorkerID(id string) error {
	return renameio.WriteFile(a.workerIDPath(), []byte(id+"\n"), 0o644)
}

// Package media wraps the external ffmpeg and ffprobe binaries behind a small
// contract the worker agent and the ingestion segmenter share. The binaries
// are treated as black boxes: all quality decisions live in the rendition
// catalog and the argument builders here.
package media

import (
	"bytes"
	"context"
	"log/slog"
	"os/exec"
)

// Runner executes an external media binary. The exec-backed implementation is
// replaced by stubs in tests so argument contracts and failure handling can be
// exercised without ffmpeg installed.
type Runner interface {
	// Run executes the binary and waits for it, returning the process error.
	Run(ctx context.Context, name string, args ...string) error

	// Output executes the binary and returns its stdout.
	Output(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner shells out via exec.CommandContext so cancellation kills the
// process. Stderr is forwarded line by line to the logger; ffmpeg writes its
// progress there.
type ExecRunner struct {
	Logger *slog.Logger
}

func (r *ExecRunner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *ExecRunner) Run(ctx context.Context, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = newLineWriter(r.logger(), name, "stdout")
	cmd.Stderr = newLineWriter(r.logger(), name, "stderr")
	return cmd.Run()
}

func (r *ExecRunner) Output(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = newLineWriter(r.logger(), name, "stderr")
	if err := cmd.Run(); err != nil {
		return nil, err
	}
	return stdout.Bytes(), nil
}

// lineWriter splits process output into lines and forwards non-empty ones to
// the structured logger.
type lineWriter struct {
	logger *slog.Logger
	binary string
	stream string
}

func newLineWriter(logger *slog.Logger, binary, stream string) *lineWriter {
	return &lineWriter{logger: logger, binary: binary, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		idx := bytes.IndexByte(p, '\n')
		var line []byte
		if idx == -1 {
			line = p
			p = nil
		} else {
			line = p[:idx]
			p = p[idx+1:]
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		w.logger.Debug("process output", "binary", w.binary, "stream", w.stream, "line", string(line))
	}
	return total, nil
}

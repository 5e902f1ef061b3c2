package agent

import (
	"context"
	"testing"
	"time"
)

func TestDetectCapabilities(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	caps := DetectCapabilities(ctx)
	if caps.CPU.Cores < 1 {
		t.Fatalf("cores = %d", caps.CPU.Cores)
	}
	if caps.CPU.Model == "" {
		t.Fatal("cpu model is empty")
	}
	if caps.MaxConcurrentJobs < 1 {
		t.Fatalf("maxConcurrentJobs = %d", caps.MaxConcurrentJobs)
	}
	if caps.GPU == nil && caps.MaxConcurrentJobs != 1 {
		t.Fatalf("cpu-only host must serialize jobs, got %d", caps.MaxConcurrentJobs)
	}
}

package agent

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"time"

	"meshcast/internal/models"
)

// DetectCapabilities inspects the host for CPU, memory, and GPU resources.
// Every probe is best effort: a field that cannot be read is left at a safe
// fallback rather than failing registration.
func DetectCapabilities(ctx context.Context) models.Capabilities {
	caps := models.Capabilities{
		CPU: models.CPUInfo{
			Cores: runtime.NumCPU(),
			Model: cpuModel(),
		},
		MemoryMB:          totalMemoryMB(),
		MaxConcurrentJobs: 1,
	}
	if gpu := detectGPU(ctx); gpu != nil {
		caps.GPU = gpu
		caps.MaxConcurrentJobs = 2
	}
	return caps
}

// cpuModel reads the model name from /proc/cpuinfo where available.
func cpuModel() string {
	file, err := os.Open("/proc/cpuinfo")
	if err != nil {
		return runtime.GOARCH
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "model name") {
			continue
		}
		if _, value, ok := strings.Cut(line, ":"); ok {
			return strings.TrimSpace(value)
		}
	}
	return runtime.GOARCH
}

// totalMemoryMB reads MemTotal from /proc/meminfo, in megabytes.
func totalMemoryMB() int {
	file, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0
		}
		return kb / 1024
	}
	return 0
}

// detectGPU probes for an NVIDIA device via nvidia-smi. Absence of the binary
// or a nonzero exit means no GPU is advertised.
func detectGPU(ctx context.Context) *models.GPUInfo {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	out, err := exec.CommandContext(probeCtx, "nvidia-smi",
		"--query-gpu=name,memory.total",
		"--format=csv,noheader,nounits").Output()
	if err != nil {
		return nil
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if line == "" {
		return nil
	}
	name, memField, _ := strings.Cut(line, ",")
	memMB, _ := strconv.Atoi(strings.TrimSpace(memField))
	return &models.GPUInfo{
		Model:  strings.TrimSpace(name),
		Memory: memMB,
	}
}

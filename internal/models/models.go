package models

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"
)

const (
	moneyFractionDigits = 5
	moneyScale          = int64(100000)
)

// Money represents a payout amount stored in minor units (1e-5 of the major
// currency) to avoid floating point rounding issues. JSON encoding and string
// formatting expose the canonical decimal representation while all internal
// operations use the fixed-precision integer value.
type Money struct {
	minorUnits int64
}

// NewMoneyFromMinorUnits constructs a Money value from its minor-unit
// representation.
func NewMoneyFromMinorUnits(units int64) Money {
	return Money{minorUnits: units}
}

// MinorUnits exposes the internal integer representation scaled by 1e-5.
func (m Money) MinorUnits() int64 {
	return m.minorUnits
}

// Add returns the sum of two Money values.
func (m Money) Add(other Money) Money {
	return Money{minorUnits: m.minorUnits + other.minorUnits}
}

// IsZero reports whether the amount is exactly zero.
func (m Money) IsZero() bool {
	return m.minorUnits == 0
}

// DecimalString returns the canonical decimal representation with up to five
// fractional digits.
func (m Money) DecimalString() string {
	return formatMinorUnits(m.minorUnits)
}

// String implements fmt.Stringer.
func (m Money) String() string {
	return m.DecimalString()
}

// MarshalJSON encodes the fixed-precision amount as a JSON number.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(m.DecimalString()), nil
}

// UnmarshalJSON decodes a JSON number or string into the fixed-precision minor
// unit representation. A JSON null resets the value to zero.
func (m *Money) UnmarshalJSON(data []byte) error {
	if m == nil {
		return fmt.Errorf("models: cannot decode into nil Money pointer")
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		*m = Money{}
		return nil
	}
	var raw string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return fmt.Errorf("decode money string: %w", err)
		}
	} else {
		raw = trimmed
	}
	money, err := ParseMoney(raw)
	if err != nil {
		return err
	}
	*m = money
	return nil
}

// ParseMoney parses a human-readable decimal string into a Money value with up
// to five fractional digits.
func ParseMoney(value string) (Money, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Money{}, fmt.Errorf("invalid money amount")
	}
	rat, ok := new(big.Rat).SetString(trimmed)
	if !ok {
		return Money{}, fmt.Errorf("invalid money amount")
	}
	rat.Mul(rat, big.NewRat(moneyScale, 1))
	if !rat.IsInt() {
		return Money{}, fmt.Errorf("amount supports up to %d decimal places", moneyFractionDigits)
	}
	numerator := rat.Num()
	if !numerator.IsInt64() {
		return Money{}, fmt.Errorf("money amount out of range")
	}
	return Money{minorUnits: numerator.Int64()}, nil
}

// MustParseMoney panics if the value cannot be parsed. It is intended for
// tests and static initialisation.
func MustParseMoney(value string) Money {
	money, err := ParseMoney(value)
	if err != nil {
		panic(err)
	}
	return money
}

func formatMinorUnits(units int64) string {
	negative := units < 0
	if negative {
		units = -units
	}
	major := units / moneyScale
	minor := units % moneyScale
	var builder strings.Builder
	if negative {
		builder.WriteByte('-')
	}
	builder.WriteString(fmt.Sprintf("%d", major))
	if minor == 0 {
		return builder.String()
	}
	builder.WriteByte('.')
	fraction := fmt.Sprintf("%0*d", moneyFractionDigits, minor)
	fraction = strings.TrimRight(fraction, "0")
	builder.WriteString(fraction)
	return builder.String()
}

// WorkerStatus is the coarse-grained availability state a worker reports (or
// is demoted to by the liveness sweep).
type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

// Valid reports whether the status is one of the known worker states.
func (s WorkerStatus) Valid() bool {
	switch s {
	case WorkerIdle, WorkerBusy, WorkerOffline:
		return true
	default:
		return false
	}
}

type CPUInfo struct {
	Cores int    `json:"cores"`
	Model string `json:"model"`
}

type GPUInfo struct {
	Model  string `json:"model"`
	Memory int    `json:"memory"`
}

// Capabilities describes the compute a worker advertises at registration.
// MaxConcurrentJobs is advisory to the scheduler; the agent itself always
// executes one job at a time.
type Capabilities struct {
	CPU               CPUInfo  `json:"cpu"`
	GPU               *GPUInfo `json:"gpu,omitempty"`
	MemoryMB          int      `json:"memory"`
	MaxConcurrentJobs int      `json:"maxConcurrentJobs"`
}

// Worker is the orchestrator's registry record for an agent. Workers are never
// deleted; OFFLINE entries are retained for history and audit.
type Worker struct {
	ID            string       `json:"id"`
	IPAddress     string       `json:"ipAddress"`
	Status        WorkerStatus `json:"status"`
	Capabilities  Capabilities `json:"capabilities"`
	JobsProcessed int          `json:"jobsProcessed"`
	LastHeartbeat time.Time    `json:"lastHeartbeat"`
}

// Rendition is one fixed-quality encoding profile. The catalog is loaded at
// startup and shared read-only across components.
type Rendition struct {
	Name         string `json:"name"`
	VideoBitrate int    `json:"videoBitrate"`
	AudioBitrate int    `json:"audioBitrate"`
	Width        int    `json:"width"`
	Height       int    `json:"height"`
	FPS          int    `json:"fps"`
}

// TranscodeJob is the immutable queue payload for one segment/rendition pair.
type TranscodeJob struct {
	SegmentID     string    `json:"segmentId"`
	StreamID      string    `json:"streamId"`
	SegmentNumber int       `json:"segmentNumber"`
	InputPath     string    `json:"inputPath"`
	OutputPath    string    `json:"outputPath"`
	Rendition     Rendition `json:"rendition"`
	Attempts      int       `json:"attempts"`
}

// JobStatus is the lifecycle state of a dispatched job's ledger record.
type JobStatus string

const (
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// JobRecord is the mutable ledger view of a dispatched job, distinct from the
// immutable queue payload. Payment is computed only at a terminal transition.
type JobRecord struct {
	ID            string     `json:"id"`
	StreamID      string     `json:"streamId"`
	SegmentNumber int        `json:"segmentNumber"`
	Rendition     string     `json:"rendition"`
	Status        JobStatus  `json:"status"`
	WorkerID      string     `json:"workerId"`
	StartTime     time.Time  `json:"startTime"`
	EndTime       *time.Time `json:"endTime,omitempty"`
	DurationMs    int64      `json:"duration,omitempty"`
	Payment       Money      `json:"payment"`
	Error         string     `json:"error,omitempty"`
}

// WorkerStatsView aggregates a single worker's job history for the read-only
// stats endpoint.
type WorkerStatsView struct {
	WorkerID       string       `json:"workerId"`
	TotalJobs      int          `json:"totalJobs"`
	CompletedJobs  int          `json:"completedJobs"`
	FailedJobs     int          `json:"failedJobs"`
	ProcessingJobs int          `json:"processingJobs"`
	SuccessRate    float64      `json:"successRate"`
	TotalEarnings  Money        `json:"totalEarnings"`
	Status         WorkerStatus `json:"status"`
	LastActive     time.Time    `json:"lastActive"`
}

// DashboardStats aggregates pool-wide counters for the dashboard endpoint.
type DashboardStats struct {
	TotalWorkers   int     `json:"totalWorkers"`
	ActiveWorkers  int     `json:"activeWorkers"`
	TotalJobs      int     `json:"totalJobs"`
	CompletedJobs  int     `json:"completedJobs"`
	FailedJobs     int     `json:"failedJobs"`
	ProcessingJobs int     `json:"processingJobs"`
	TotalPayments  Money   `json:"totalPayments"`
	SuccessRate    float64 `json:"successRate"`
}

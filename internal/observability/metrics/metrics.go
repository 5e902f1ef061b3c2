package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type requestLabel struct {
	method string
	path   string
	status string
}

// JobLabel identifies a job lifecycle event by rendition and terminal status.
type JobLabel struct {
	Rendition string
	Status    string
}

// Recorder aggregates in-memory metrics counters and gauges for HTTP requests,
// job dispatch and settlement, segment ingestion, and playlist generation. It
// coordinates concurrent writers via a RWMutex while exposing thread-safe
// gauges for busy workers and in-flight jobs.
type Recorder struct {
	mu               sync.RWMutex
	requestCount     map[requestLabel]uint64
	requestDuration  map[requestLabel]time.Duration
	jobEvents        map[JobLabel]uint64
	segmentsObserved map[string]uint64
	playlistsServed  map[string]uint64
	processingJobs   atomic.Int64
	busyWorkers      atomic.Int64
}

var defaultRecorder = New()

// New constructs an empty Recorder with initialized backing maps so callers can
// immediately record metrics without additional setup.
func New() *Recorder {
	return &Recorder{
		requestCount:     make(map[requestLabel]uint64),
		requestDuration:  make(map[requestLabel]time.Duration),
		jobEvents:        make(map[JobLabel]uint64),
		segmentsObserved: make(map[string]uint64),
		playlistsServed:  make(map[string]uint64),
	}
}

// Default returns the singleton Recorder instance shared across helper
// functions for packages that do not require custom instrumentation pipelines.
func Default() *Recorder {
	return defaultRecorder
}

// ObserveRequest normalizes the request label set and accumulates totals for
// request count and cumulative duration by HTTP method, path, and status code.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	label := requestLabel{
		method: strings.ToUpper(method),
		path:   path,
		status: fmt.Sprintf("%d", status),
	}
	r.mu.Lock()
	r.requestCount[label]++
	r.requestDuration[label] += duration
	r.mu.Unlock()
}

// JobDispatched records a payload handed to a worker and bumps the in-flight
// gauge.
func (r *Recorder) JobDispatched(rendition string) {
	r.mu.Lock()
	r.jobEvents[JobLabel{Rendition: rendition, Status: "dispatched"}]++
	r.mu.Unlock()
	r.processingJobs.Add(1)
}

// JobSettled records a terminal job transition and decrements the in-flight
// gauge.
func (r *Recorder) JobSettled(rendition, status string) {
	r.mu.Lock()
	r.jobEvents[JobLabel{Rendition: rendition, Status: status}]++
	r.mu.Unlock()
	if r.processingJobs.Load() > 0 {
		r.processingJobs.Add(-1)
	}
}

// SegmentObserved counts a finalized segment noticed by the watcher for the
// given stream.
func (r *Recorder) SegmentObserved(streamID string) {
	r.mu.Lock()
	r.segmentsObserved[streamID]++
	r.mu.Unlock()
}

// PlaylistServed counts a synthesized manifest by kind ("master" or
// "rendition").
func (r *Recorder) PlaylistServed(kind string) {
	r.mu.Lock()
	r.playlistsServed[kind]++
	r.mu.Unlock()
}

// WorkerBusy adjusts the busy-worker gauge by the provided delta.
func (r *Recorder) WorkerBusy(delta int64) {
	r.busyWorkers.Add(delta)
}

// Reset clears all counters. Intended for tests.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requestCount = make(map[requestLabel]uint64)
	r.requestDuration = make(map[requestLabel]time.Duration)
	r.jobEvents = make(map[JobLabel]uint64)
	r.segmentsObserved = make(map[string]uint64)
	r.playlistsServed = make(map[string]uint64)
	r.processingJobs.Store(0)
	r.busyWorkers.Store(0)
}

// Handler exposes the Recorder as an http.Handler that writes Prometheus text
// exposition data with the appropriate content type.
func (r *Recorder) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		r.Write(w)
	})
}

// Write renders the Recorder's metrics in Prometheus text format, sorting label
// sets to provide stable output for scrapes and tests.
func (r *Recorder) Write(w io.Writer) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	requestLabels := r.sortedRequestLabels()
	jobLabels := r.sortedJobLabels()
	streams := sortedKeys(r.segmentsObserved)
	playlistKinds := sortedKeys(r.playlistsServed)

	fmt.Fprintln(w, "# HELP meshcast_http_requests_total Total number of HTTP requests processed")
	fmt.Fprintln(w, "# TYPE meshcast_http_requests_total counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "meshcast_http_requests_total{method=%q,path=%q,status=%q} %d\n", label.method, label.path, label.status, r.requestCount[label])
	}

	fmt.Fprintln(w, "# HELP meshcast_http_request_duration_seconds_sum Cumulative duration of HTTP requests in seconds")
	fmt.Fprintln(w, "# TYPE meshcast_http_request_duration_seconds_sum counter")
	for _, label := range requestLabels {
		fmt.Fprintf(w, "meshcast_http_request_duration_seconds_sum{method=%q,path=%q,status=%q} %f\n", label.method, label.path, label.status, r.requestDuration[label].Seconds())
	}

	fmt.Fprintln(w, "# HELP meshcast_jobs_total Transcoding job events by rendition and status")
	fmt.Fprintln(w, "# TYPE meshcast_jobs_total counter")
	for _, label := range jobLabels {
		fmt.Fprintf(w, "meshcast_jobs_total{rendition=%q,status=%q} %d\n", label.Rendition, label.Status, r.jobEvents[label])
	}

	fmt.Fprintln(w, "# HELP meshcast_processing_jobs Current number of jobs attributed to a worker")
	fmt.Fprintln(w, "# TYPE meshcast_processing_jobs gauge")
	fmt.Fprintf(w, "meshcast_processing_jobs %d\n", r.processingJobs.Load())

	fmt.Fprintln(w, "# HELP meshcast_busy_workers Current number of workers marked busy")
	fmt.Fprintln(w, "# TYPE meshcast_busy_workers gauge")
	fmt.Fprintf(w, "meshcast_busy_workers %d\n", r.busyWorkers.Load())

	fmt.Fprintln(w, "# HELP meshcast_segments_observed_total Finalized segments noticed by the watcher per stream")
	fmt.Fprintln(w, "# TYPE meshcast_segments_observed_total counter")
	for _, stream := range streams {
		fmt.Fprintf(w, "meshcast_segments_observed_total{stream=%q} %d\n", stream, r.segmentsObserved[stream])
	}

	fmt.Fprintln(w, "# HELP meshcast_playlists_served_total Synthesized manifests by kind")
	fmt.Fprintln(w, "# TYPE meshcast_playlists_served_total counter")
	for _, kind := range playlistKinds {
		fmt.Fprintf(w, "meshcast_playlists_served_total{kind=%q} %d\n", kind, r.playlistsServed[kind])
	}
}

func (r *Recorder) sortedRequestLabels() []requestLabel {
	labels := make([]requestLabel, 0, len(r.requestCount))
	for label := range r.requestCount {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].method != labels[j].method {
			return labels[i].method < labels[j].method
		}
		if labels[i].path != labels[j].path {
			return labels[i].path < labels[j].path
		}
		return labels[i].status < labels[j].status
	})
	return labels
}

func (r *Recorder) sortedJobLabels() []JobLabel {
	labels := make([]JobLabel, 0, len(r.jobEvents))
	for label := range r.jobEvents {
		labels = append(labels, label)
	}
	sort.Slice(labels, func(i, j int) bool {
		if labels[i].Rendition != labels[j].Rendition {
			return labels[i].Rendition < labels[j].Rendition
		}
		return labels[i].Status < labels[j].Status
	})
	return labels
}

func sortedKeys(m map[string]uint64) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

package orchestrator

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"meshcast/internal/models"
	"meshcast/internal/observability/metrics"
	"meshcast/internal/queue"
)

// Handler exposes the Coordinator over HTTP for worker agents and dashboards.
type Handler struct {
	Coordinator *Coordinator
	Metrics     *metrics.Recorder
}

// NewHandler wires the HTTP surface around a Coordinator.
func NewHandler(coordinator *Coordinator) *Handler {
	return &Handler{Coordinator: coordinator, Metrics: coordinator.metrics}
}

// Routes registers all orchestrator endpoints on the mux.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/workers", h.WorkersIndex)
	mux.HandleFunc("/workers/", h.WorkerSubresource)
	mux.HandleFunc("/jobs", h.JobsIndex)
	mux.HandleFunc("/jobs/next", h.NextJob)
	mux.HandleFunc("/jobs/", h.JobSubresource)
	mux.HandleFunc("/dashboard/stats", h.Dashboard)
	mux.HandleFunc("/healthz", h.Health)
	mux.Handle("/metrics", h.Metrics.Handler())
}

type registerWorkerRequest struct {
	WorkerID     string              `json:"workerId"`
	IPAddress    string              `json:"ipAddress"`
	Capabilities models.Capabilities `json:"capabilities"`
}

type heartbeatRequest struct {
	Status models.WorkerStatus `json:"status"`
}

type completeJobRequest struct {
	WorkerID   string `json:"workerId"`
	OutputPath string `json:"outputPath"`
}

type failJobRequest struct {
	WorkerID string `json:"workerId"`
	Error    string `json:"error"`
}

type jobAssignment struct {
	ID      string              `json:"id"`
	Attempt int                 `json:"attempt"`
	Job     models.TranscodeJob `json:"job"`
}

// WorkersIndex serves GET /workers.
func (h *Handler) WorkersIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, h.Coordinator.Workers())
}

// WorkerSubresource dispatches /workers/register and /workers/{id}[/...]
// paths.
func (h *Handler) WorkerSubresource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/workers/")
	if path == "register" {
		h.registerWorker(w, r)
		return
	}

	id, rest, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("worker id missing"))
		return
	}

	switch rest {
	case "":
		h.workerByID(w, r, id)
	case "heartbeat":
		h.heartbeat(w, r, id)
	case "stats":
		h.workerStats(w, r, id)
	case "jobs":
		h.workerJobs(w, r, id)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown worker resource %q", rest))
	}
}

func (h *Handler) registerWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req registerWorkerRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	address := req.IPAddress
	if address == "" {
		address = remoteHost(r)
	}
	worker, err := h.Coordinator.RegisterWorker(req.WorkerID, address, req.Capabilities)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, worker)
}

func (h *Handler) workerByID(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	worker, err := h.Coordinator.Worker(id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("worker %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, worker)
}

func (h *Handler) heartbeat(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	var req heartbeatRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.Coordinator.Heartbeat(id, req.Status); err != nil {
		if errors.Is(err, ErrWorkerNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("worker %s not found", id))
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) workerStats(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	stats, err := h.Coordinator.WorkerStats(id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("worker %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) workerJobs(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	jobs, err := h.Coordinator.WorkerJobs(id)
	if err != nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("worker %s not found", id))
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// NextJob serves GET /jobs/next?workerId={id}. An empty queue answers 204 so
// polling agents can tell "nothing to do" from an error.
func (h *Handler) NextJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	workerID := r.URL.Query().Get("workerId")
	if workerID == "" {
		writeError(w, http.StatusBadRequest, fmt.Errorf("workerId query parameter is required"))
		return
	}
	delivery, err := h.Coordinator.DequeueNext(r.Context(), workerID)
	switch {
	case errors.Is(err, queue.ErrEmpty):
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrWorkerNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("worker %s not found", workerID))
	case err != nil:
		writeError(w, http.StatusInternalServerError, err)
	default:
		writeJSON(w, http.StatusOK, jobAssignment{ID: delivery.ID, Attempt: delivery.Attempt, Job: delivery.Job})
	}
}

// JobsIndex serves GET /jobs, the full ledger newest first.
func (h *Handler) JobsIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, h.Coordinator.Jobs())
}

// JobSubresource dispatches /jobs/{id}/complete and /jobs/{id}/fail.
func (h *Handler) JobSubresource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/jobs/")
	id, action, _ := strings.Cut(path, "/")
	if id == "" {
		writeError(w, http.StatusNotFound, fmt.Errorf("job id missing"))
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}

	switch action {
	case "complete":
		var req completeJobRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		record, err := h.Coordinator.ReportComplete(r.Context(), id, req.WorkerID, req.OutputPath)
		if err != nil {
			h.writeReportError(w, err, req.WorkerID)
			return
		}
		writeJSON(w, http.StatusOK, record)
	case "fail":
		var req failJobRequest
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		record, err := h.Coordinator.ReportFailure(r.Context(), id, req.WorkerID, req.Error)
		if err != nil {
			h.writeReportError(w, err, req.WorkerID)
			return
		}
		writeJSON(w, http.StatusOK, record)
	default:
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown job action %q", action))
	}
}

func (h *Handler) writeReportError(w http.ResponseWriter, err error, workerID string) {
	if errors.Is(err, ErrWorkerNotFound) {
		writeError(w, http.StatusNotFound, fmt.Errorf("worker %s not found", workerID))
		return
	}
	writeError(w, http.StatusInternalServerError, err)
}

// Dashboard serves GET /dashboard/stats.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		writeError(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	writeJSON(w, http.StatusOK, h.Coordinator.DashboardStats())
}

// Health serves GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

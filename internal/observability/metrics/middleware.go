package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
)

// ResponseRecorder wraps an http.ResponseWriter to capture the final status
// code for request instrumentation while preserving optional interfaces such
// as http.Flusher and http.Hijacker.
type ResponseRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

// NewResponseRecorder wraps the provided writer and defaults the recorded
// status to 200 until WriteHeader is invoked.
func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

// WriteHeader records the first status code written and forwards the call.
func (r *ResponseRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

// Write marks the response as written before delegating to the wrapped writer.
func (r *ResponseRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(b)
}

// Status returns the status code that was sent to the client.
func (r *ResponseRecorder) Status() int {
	return r.status
}

// Flush forwards to the underlying writer when it supports streaming.
func (r *ResponseRecorder) Flush() {
	if flusher, ok := r.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Hijack exposes the underlying connection for protocol upgrades.
func (r *ResponseRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hijacker, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return hijacker.Hijack()
}

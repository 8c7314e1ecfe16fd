package dispatcher

import (
	"sync"
	"time"
)

// Health is one action's exported health snapshot (Dispatcher keeps one
// per registered action): overall
// status plus request/error/slow-request counters and the last error
// message, per spec.md §4.5.
type Health struct {
	mu sync.Mutex

	status           string
	requestCount     int64
	errorCount       int64
	slowRequestCount int64
	lastError        string
}

// NewHealth starts in the "ok" state.
func NewHealth() *Health {
	return &Health{status: "ok"}
}

// RecordRequest increments the request counter and, if d exceeds
// threshold, the slow-request counter.
func (h *Health) RecordRequest(d time.Duration, threshold time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requestCount++
	if d > threshold {
		h.slowRequestCount++
	}
}

// RecordSuccess restores status to "ok" if it was previously "degraded".
func (h *Health) RecordSuccess() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = "ok"
}

// RecordFailure sets status to "degraded" with the given error message.
func (h *Health) RecordFailure(errMsg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.status = "degraded"
	h.errorCount++
	h.lastError = errMsg
}

// Snapshot is a point-in-time copy of the health counters, safe to
// serialize.
type Snapshot struct {
	Status           string `json:"status"`
	RequestCount     int64  `json:"request_count"`
	ErrorCount       int64  `json:"error_count"`
	SlowRequestCount int64  `json:"slow_request_count"`
	LastError        string `json:"last_error,omitempty"`
}

// Snapshot returns the current health state.
func (h *Health) Snapshot() Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Snapshot{
		Status:           h.status,
		RequestCount:     h.requestCount,
		ErrorCount:       h.errorCount,
		SlowRequestCount: h.slowRequestCount,
		LastError:        h.lastError,
	}
}

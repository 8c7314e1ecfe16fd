// Package dispatcher parses framed requests, routes them to handlers,
// and wraps every call with a retry policy and a per-action circuit
// breaker, recording health as it goes. Grounded on original_source's
// mcp/mcp_server.py dispatch loop and mcp/commands.py handler table,
// restructured per spec.md §9 into an explicit dependency graph with no
// module-level singletons.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/mindfulent/memoryengine/internal/memory"
)

// Handler processes one decoded Request and returns the action-specific
// response fields (merged into the `{status: "OK", ...}` envelope) or
// an error (merged into `{status: "ERROR", error: "..."}`).
type Handler func(ctx context.Context, req Request) (map[string]any, error)

// Config tunes the retry wrapper and circuit breaker. The binary fills it
// from the dispatch.* configuration keys; tests build their own with
// shrunken timings.
type Config struct {
	MaxRetryAttempts     int
	RetryDelay           time.Duration
	FailureThreshold     int
	ResetTimeout         time.Duration
	SlowRequestThreshold time.Duration
}

// DefaultConfig matches spec.md §4.5's stated defaults.
func DefaultConfig() Config {
	return Config{
		MaxRetryAttempts:     3,
		RetryDelay:           time.Second,
		FailureThreshold:     3,
		ResetTimeout:         60 * time.Second,
		SlowRequestThreshold: time.Second,
	}
}

// Dispatcher owns the handler registry, per-action circuit breakers,
// and the shared health snapshot every transport feeds.
type Dispatcher struct {
	cfg Config

	mu       sync.RWMutex
	handlers map[string]Handler
	breakers map[string]*CircuitBreaker
	health   map[string]*Health
}

// New creates an empty Dispatcher; register actions with Register.
func New(cfg Config) *Dispatcher {
	return &Dispatcher{
		cfg:      cfg,
		handlers: make(map[string]Handler),
		breakers: make(map[string]*CircuitBreaker),
		health:   make(map[string]*Health),
	}
}

// Register binds a Handler to an action name.
func (d *Dispatcher) Register(action string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[action] = h
	d.breakers[action] = NewCircuitBreaker(d.cfg.FailureThreshold, d.cfg.ResetTimeout)
	d.health[action] = NewHealth()
}

// HealthSnapshot returns a map of action name to its current health,
// used by the health_check action.
func (d *Dispatcher) HealthSnapshot() map[string]Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]Snapshot, len(d.health))
	for action, h := range d.health {
		out[action] = h.Snapshot()
	}
	return out
}

// Dispatch decodes one line (a single JSON request object), routes it,
// and returns the JSON-encoded response line. It never returns an error
// itself — all failures are folded into an `{status: "ERROR", ...}`
// response, per spec.md §4.5's lifecycle.
func (d *Dispatcher) Dispatch(ctx context.Context, line string) string {
	action := gjson.Get(line, "action").String()
	if action == "" {
		return errorResponse("missing required 'action' field")
	}

	var req Request
	if err := json.Unmarshal([]byte(line), &req); err != nil {
		return errorResponse("Invalid JSON")
	}

	d.mu.RLock()
	handler, known := d.handlers[action]
	breaker := d.breakers[action]
	health := d.health[action]
	d.mu.RUnlock()

	if !known {
		return errorResponse(fmt.Sprintf("unknown action: %s", action))
	}

	if allowed, retryAfter := breaker.Allow(); !allowed {
		resp := errorResponse(fmt.Sprintf("action %q temporarily unavailable: circuit open", action))
		patched, err := sjson.Set(resp, "retry_after", retryAfter.Seconds())
		if err != nil {
			return resp
		}
		return patched
	}

	start := time.Now()
	result, attempts, err := d.invokeWithRetry(ctx, handler, req)
	elapsed := time.Since(start)
	health.RecordRequest(elapsed, d.cfg.SlowRequestThreshold)

	if err != nil {
		if !isNonRetryable(err) {
			breaker.RecordFailure()
		}
		health.RecordFailure(err.Error())
		log.Printf("[DISPATCHER] action %s failed after %d attempts: %v", action, attempts, err)
		return errorResponse(fmt.Sprintf("action %q failed after %d attempts: %v", action, attempts, err))
	}

	breaker.RecordSuccess()
	health.RecordSuccess()

	result["status"] = "OK"
	body, err := json.Marshal(result)
	if err != nil {
		return errorResponse("internal: failed to encode response")
	}
	return string(body)
}

// invokeWithRetry calls handler up to cfg.MaxRetryAttempts times,
// sleeping RetryDelay between attempts, returning on the first success.
// A non-retryable error (validation failures, unknown scope/action,
// not-found) returns immediately on the first attempt: retrying a
// malformed request can never succeed, and burning every retry on it
// would also needlessly count toward the action's circuit breaker.
func (d *Dispatcher) invokeWithRetry(ctx context.Context, handler Handler, req Request) (map[string]any, int, error) {
	var lastErr error
	attempts := 0
	for attempts < d.cfg.MaxRetryAttempts {
		attempts++
		result, err := handler(ctx, req)
		if err == nil {
			return result, attempts, nil
		}
		lastErr = err
		if isNonRetryable(err) {
			return nil, attempts, err
		}
		if attempts < d.cfg.MaxRetryAttempts {
			select {
			case <-ctx.Done():
				return nil, attempts, ctx.Err()
			case <-time.After(d.cfg.RetryDelay):
			}
		}
	}
	return nil, attempts, lastErr
}

// isNonRetryable reports whether err belongs to a class of failure
// that retrying cannot fix, per spec.md §7: "Validation errors are
// non-retryable and return immediately."
func isNonRetryable(err error) bool {
	return errors.Is(err, memory.ErrInvalidRequest) ||
		errors.Is(err, memory.ErrUnknownAction) ||
		errors.Is(err, memory.ErrUnknownScope) ||
		errors.Is(err, memory.ErrNotFound)
}

func errorResponse(msg string) string {
	body, err := json.Marshal(map[string]any{"status": "ERROR", "error": msg})
	if err != nil {
		return `{"status":"ERROR","error":"internal"}`
	}
	return string(body)
}

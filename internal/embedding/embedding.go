// Package embedding turns text into vectors and caches the result. It
// mirrors the shape of the teacher's memory.Embedder interface
// (Embed/Dimensions) and its mock/onnx implementations, and the
// concurrency discipline of original_source's embedding_service.py:
// at most one embedding operation in flight per text (cache key), enforced by
// a pending-operations table guarded by a mutex (there, threading.RLock
// over a dict; here, sync.Mutex over a map of channels), plus a bounded
// background worker pool for the asynchronous path (there, a
// queue.Queue drained by a daemon thread; here, a buffered channel
// drained by N goroutines).
package embedding

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"
)

// Model is the text-to-vector collaborator. Implementations: mockmodel
// (deterministic, no external deps, and the standard stand-in for test
// and demo environments) and onnxmodel (build tag onnx).
type Model interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// Config controls the Service's cache and concurrency.
type Config struct {
	// CacheMaxCost bounds the ristretto cache's admission budget, in
	// approximate bytes of cached vector data.
	CacheMaxCost int64
	// AsyncEnabled starts the background worker pool that backs
	// EmbedAsync. When false, EmbedAsync always falls back to a
	// synchronous Embed call, matching embedding_service.py's
	// "if not self.async_enabled or not self.running" branch.
	AsyncEnabled bool
	// WorkerCount is the number of background workers draining the job
	// queue. Defaults to DefaultWorkerCount when AsyncEnabled and
	// WorkerCount <= 0.
	WorkerCount int
	// QueueCapacity bounds the number of pending async jobs. Once full,
	// EmbedAsync's capacity hook falls back to synchronous generation
	// instead of blocking the caller. Defaults to DefaultQueueCapacity
	// when <= 0.
	QueueCapacity int
	// ShutdownTimeout bounds how long Stop waits for workers to drain
	// in-flight jobs. Defaults to DefaultShutdownTimeout, matching
	// embedding_service.py's stop_worker(timeout=2.0).
	ShutdownTimeout time.Duration
}

// DefaultCacheMaxCost is ~64MB of float32 vector data.
const DefaultCacheMaxCost = 64 << 20

// DefaultWorkerCount, DefaultQueueCapacity and DefaultShutdownTimeout
// are applied when Config leaves the corresponding field unset.
const (
	DefaultWorkerCount     = 2
	DefaultQueueCapacity   = 256
	DefaultShutdownTimeout = 2 * time.Second
)

// workerPollInterval bounds how long a worker blocks on the job queue
// before re-checking for a stop signal, so shutdown stays responsive.
const workerPollInterval = 100 * time.Millisecond

// job is one queued async embedding request. Completion is delivered
// by invoking onDone exactly once, never by an ad hoc closure carrying
// arbitrary captured arguments.
type job struct {
	ctx    context.Context
	text   string
	onDone func([]float32, error)
}

// Service generates and caches embeddings, and guarantees at most one
// in-flight embedding computation per cache key at a time.
type Service struct {
	model Model
	cache *ristretto.Cache

	mu      sync.Mutex
	pending map[string]chan struct{} // key -> closed when the winning call finishes

	lastErr   error
	lastErrMu sync.Mutex

	asyncEnabled    bool
	shutdownTimeout time.Duration
	jobs            chan job
	wg              sync.WaitGroup
	stopping        int32 // atomic; 1 once Stop has been called
	stopOnce        sync.Once
}

// NewService wires a Model behind a bounded cache. cfg may be the zero
// value; CacheMaxCost then falls back to DefaultCacheMaxCost, and the
// background worker pool is not started (EmbedAsync runs synchronously).
func NewService(model Model, cfg Config) (*Service, error) {
	maxCost := cfg.CacheMaxCost
	if maxCost <= 0 {
		maxCost = DefaultCacheMaxCost
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: maxCost / 100, // ~100 bytes amortized per tracked key
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding: new cache: %w", err)
	}

	s := &Service{
		model:   model,
		cache:   cache,
		pending: make(map[string]chan struct{}),
	}

	if cfg.AsyncEnabled {
		workerCount := cfg.WorkerCount
		if workerCount <= 0 {
			workerCount = DefaultWorkerCount
		}
		queueCapacity := cfg.QueueCapacity
		if queueCapacity <= 0 {
			queueCapacity = DefaultQueueCapacity
		}
		shutdownTimeout := cfg.ShutdownTimeout
		if shutdownTimeout <= 0 {
			shutdownTimeout = DefaultShutdownTimeout
		}

		s.asyncEnabled = true
		s.shutdownTimeout = shutdownTimeout
		s.jobs = make(chan job, queueCapacity)

		s.wg.Add(workerCount)
		for i := 0; i < workerCount; i++ {
			go s.worker(i)
		}
		log.Printf("[EMBEDDING] started %d background worker(s), queue capacity %d", workerCount, queueCapacity)
	}

	return s, nil
}

// Dimensions reports the underlying model's vector width.
func (s *Service) Dimensions() int { return s.model.Dimensions() }

// cacheKey returns the cache lookup key for text. Embedding vectors are
// deterministic in text alone, so the raw text is the key.
func cacheKey(text string) string { return text }

// Embed returns text's embedding, synchronously. A cache hit returns
// immediately; a cache miss generates the vector via the Model, with at
// most one generation in flight per key — concurrent callers for the
// same text block on the first caller's result rather than each
// invoking the model.
func (s *Service) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return make([]float32, s.model.Dimensions()), nil
	}

	key := cacheKey(text)

	if v, ok := s.cache.Get(key); ok {
		return cloneVec(v.([]float32)), nil
	}

	s.mu.Lock()
	if wait, inFlight := s.pending[key]; inFlight {
		s.mu.Unlock()
		select {
		case <-wait:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if v, ok := s.cache.Get(key); ok {
			return cloneVec(v.([]float32)), nil
		}
		return nil, s.takeLastErr()
	}
	done := make(chan struct{})
	s.pending[key] = done
	s.mu.Unlock()

	vec, err := s.model.Embed(ctx, text)

	s.mu.Lock()
	delete(s.pending, key)
	s.mu.Unlock()

	if err != nil {
		s.setLastErr(err)
		close(done)
		log.Printf("[EMBEDDING] generate failed: %v", err)
		return nil, fmt.Errorf("embedding: generate: %w", err)
	}

	s.cache.Set(key, vec, int64(len(vec)*4))
	// ristretto applies Set through a buffer; Wait makes the vector
	// visible to waiters woken by close(done) and to the next Get.
	s.cache.Wait()
	close(done)
	return cloneVec(vec), nil
}

// EmbedAsync generates text's embedding without blocking the caller and
// invokes onDone with the result once ready. Used by callers that must
// not block the request path on embedding generation (store_memory's
// fire-and-forget indexing step).
//
// A cache hit invokes onDone immediately. Otherwise, if the worker pool
// is enabled and running, the request is queued; a full queue (the
// capacity hook) or a disabled/stopped worker pool falls back to a
// synchronous Embed call in the caller's own goroutine, matching
// embedding_service.py's "if not self.async_enabled or not self.running"
// branch.
func (s *Service) EmbedAsync(ctx context.Context, text string, onDone func([]float32, error)) {
	if text == "" {
		onDone(make([]float32, s.model.Dimensions()), nil)
		return
	}
	if v, ok := s.cache.Get(cacheKey(text)); ok {
		onDone(cloneVec(v.([]float32)), nil)
		return
	}
	if !s.workersRunning() {
		vec, err := s.Embed(ctx, text)
		onDone(vec, err)
		return
	}

	select {
	case s.jobs <- job{ctx: ctx, text: text, onDone: onDone}:
	default:
		log.Printf("[EMBEDDING] job queue at capacity, falling back to synchronous generation")
		vec, err := s.Embed(ctx, text)
		onDone(vec, err)
	}
}

func (s *Service) workersRunning() bool {
	return s.asyncEnabled && atomic.LoadInt32(&s.stopping) == 0
}

// worker drains jobs until Stop is called. It blocks on the queue with
// a short poll timeout so shutdown stays responsive, mirroring
// embedding_service.py's `self.embedding_queue.get(timeout=0.1)` loop.
func (s *Service) worker(id int) {
	defer s.wg.Done()
	for {
		select {
		case j := <-s.jobs:
			s.runJob(j)
		case <-time.After(workerPollInterval):
			if atomic.LoadInt32(&s.stopping) == 1 {
				return
			}
		}
	}
}

// runJob generates one queued job's embedding and delivers it. A
// generation failure still invokes onDone, with a zero vector, per
// spec: "queue failures invoke registered callbacks with a zero
// vector."
func (s *Service) runJob(j job) {
	vec, err := s.Embed(j.ctx, j.text)
	if err != nil {
		log.Printf("[EMBEDDING] queued generation failed: %v", err)
		j.onDone(make([]float32, s.model.Dimensions()), err)
		return
	}
	j.onDone(vec, nil)
}

// Stop signals the worker pool and waits up to ShutdownTimeout for
// in-flight jobs to finish. Safe to call multiple times and safe to
// call when the worker pool was never started. Jobs still sitting in
// the queue past the deadline are dropped and logged, matching
// embedding_service.py's stop_worker: "Worker thread did not stop
// cleanly - work may be lost".
func (s *Service) Stop() {
	s.stopOnce.Do(func() {
		if !s.asyncEnabled {
			return
		}
		atomic.StoreInt32(&s.stopping, 1)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			log.Printf("[EMBEDDING] worker pool stopped")
		case <-time.After(s.shutdownTimeout):
			log.Printf("[EMBEDDING] worker pool did not stop within %s, pending jobs may be dropped", s.shutdownTimeout)
		}
	})
}

func (s *Service) setLastErr(err error) {
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
}

func (s *Service) takeLastErr() error {
	s.lastErrMu.Lock()
	defer s.lastErrMu.Unlock()
	if s.lastErr == nil {
		return fmt.Errorf("embedding: generation failed")
	}
	return s.lastErr
}

func cloneVec(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}

package embedding

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type countingModel struct {
	calls int32
	dims  int
	delay time.Duration
}

func (m *countingModel) Embed(ctx context.Context, text string) ([]float32, error) {
	atomic.AddInt32(&m.calls, 1)
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	v := make([]float32, m.dims)
	for i := range v {
		v[i] = float32(len(text))
	}
	return v, nil
}

func (m *countingModel) Dimensions() int { return m.dims }

func TestEmbedEmptyTextIsZeroVector(t *testing.T) {
	svc, err := NewService(&countingModel{dims: 8}, Config{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	vec, err := svc.Embed(context.Background(), "")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 8 {
		t.Fatalf("expected 8-dim zero vector, got %d", len(vec))
	}
	for _, v := range vec {
		if v != 0 {
			t.Fatalf("expected all-zero vector for empty text, got %v", vec)
		}
	}
}

func TestEmbedCacheHitAvoidsSecondCall(t *testing.T) {
	model := &countingModel{dims: 4}
	svc, err := NewService(model, Config{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()
	first, err := svc.Embed(ctx, "repeat me")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	second, err := svc.Embed(ctx, "repeat me")
	if err != nil {
		t.Fatalf("Embed (cached): %v", err)
	}
	if atomic.LoadInt32(&model.calls) != 1 {
		t.Errorf("expected exactly 1 model call across both Embed calls, got %d", model.calls)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("expected identical cached vectors, got %v vs %v", first, second)
		}
	}
}

func TestEmbedConcurrentCallersDedupe(t *testing.T) {
	model := &countingModel{dims: 4, delay: 20 * time.Millisecond}
	svc, err := NewService(model, Config{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := svc.Embed(ctx, "same text for everyone"); err != nil {
				t.Errorf("Embed: %v", err)
			}
		}()
	}
	wg.Wait()

	if calls := atomic.LoadInt32(&model.calls); calls != 1 {
		t.Errorf("expected at most one model invocation for concurrent identical text, got %d", calls)
	}
}

func TestEmbedAsyncInvokesCallback(t *testing.T) {
	model := &countingModel{dims: 4}
	svc, err := NewService(model, Config{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	done := make(chan struct{})
	var gotVec []float32
	svc.EmbedAsync(context.Background(), "async text", func(v []float32, err error) {
		if err != nil {
			t.Errorf("EmbedAsync callback error: %v", err)
		}
		gotVec = v
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("EmbedAsync callback never fired")
	}
	if len(gotVec) != 4 {
		t.Errorf("expected 4-dim vector, got %d", len(gotVec))
	}
}

func TestEmbedAsyncWithoutWorkerPoolRunsSynchronously(t *testing.T) {
	model := &countingModel{dims: 4}
	svc, err := NewService(model, Config{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	var gotVec []float32
	svc.EmbedAsync(context.Background(), "no async configured", func(v []float32, err error) {
		gotVec = v
	})
	if gotVec == nil {
		t.Fatal("expected onDone invoked before EmbedAsync returned, since the worker pool is disabled")
	}
	if atomic.LoadInt32(&model.calls) != 1 {
		t.Errorf("expected exactly 1 model call, got %d", model.calls)
	}
}

func TestEmbedAsyncUsesWorkerPoolWhenEnabled(t *testing.T) {
	model := &countingModel{dims: 4, delay: 10 * time.Millisecond}
	svc, err := NewService(model, Config{AsyncEnabled: true, WorkerCount: 2})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer svc.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		text := "worker pool text"
		go func() {
			defer wg.Done()
			done := make(chan struct{})
			svc.EmbedAsync(context.Background(), text, func(v []float32, err error) {
				if err != nil {
					t.Errorf("EmbedAsync: %v", err)
				}
				close(done)
			})
			<-done
		}()
	}
	wg.Wait()
}

func TestEmbedAsyncFallsBackSynchronouslyWhenQueueIsFull(t *testing.T) {
	model := &countingModel{dims: 4, delay: 50 * time.Millisecond}
	svc, err := NewService(model, Config{AsyncEnabled: true, WorkerCount: 1, QueueCapacity: 1})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer svc.Stop()

	// Saturate the single worker and its capacity-1 queue, then issue
	// one more distinct request: it must still complete (via the
	// synchronous fallback) rather than being dropped.
	for i := 0; i < 2; i++ {
		svc.EmbedAsync(context.Background(), fmt.Sprintf("filler %d", i), func([]float32, error) {})
	}
	done := make(chan struct{})
	svc.EmbedAsync(context.Background(), "overflow request", func(v []float32, err error) {
		if err != nil {
			t.Errorf("EmbedAsync overflow: %v", err)
		}
		if len(v) != 4 {
			t.Errorf("expected 4-dim vector, got %d", len(v))
		}
		close(done)
	})
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("overflow request's callback never fired")
	}
}

func TestStopJoinsWorkersWithinTimeout(t *testing.T) {
	model := &countingModel{dims: 4}
	svc, err := NewService(model, Config{AsyncEnabled: true, WorkerCount: 1, ShutdownTimeout: 200 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	start := time.Now()
	svc.Stop()
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("expected Stop to return promptly once workers drain, took %s", elapsed)
	}
	svc.Stop() // idempotent
}

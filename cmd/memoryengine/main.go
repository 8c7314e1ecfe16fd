// Command memoryengine runs the memory engine: it wires a store
// backend, embedding service, vector index, repository, service, and
// dispatcher together, then serves them over stdio (and optionally a
// secondary WebSocket listener) until stdin closes or the process is
// signaled. Grounded on original_source's mcp/mcp_server.py main/run
// split: construct the dependency graph once, then hand off to the
// blocking read loop.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mindfulent/memoryengine/internal/config"
	"github.com/mindfulent/memoryengine/internal/dispatcher"
	"github.com/mindfulent/memoryengine/internal/embedding"
	"github.com/mindfulent/memoryengine/internal/memory"
	"github.com/mindfulent/memoryengine/internal/store"
	"github.com/mindfulent/memoryengine/internal/store/memstore"
	"github.com/mindfulent/memoryengine/internal/store/mongostore"
	"github.com/mindfulent/memoryengine/internal/summarizer/anthropic"
	"github.com/mindfulent/memoryengine/internal/transport"
	"github.com/mindfulent/memoryengine/internal/vectorindex"
	"github.com/mindfulent/memoryengine/internal/vectorindex/bruteforce"
	"github.com/mindfulent/memoryengine/internal/vectorindex/chromem"
)

func main() {
	if err := run(); err != nil {
		log.Printf("[MAIN] fatal: %v", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loader := config.New()
	cfg, err := loader.Load()
	if err != nil {
		return err
	}

	st, err := newStore(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.EnsureIndexes(ctx); err != nil {
		return err
	}

	model := newEmbeddingModel(cfg.Embedding)
	embedSvc, err := embedding.NewService(model, embedding.Config{
		CacheMaxCost: int64(cfg.Embedding.CacheSize) * int64(model.Dimensions()) * 4,
		AsyncEnabled: cfg.Embedding.AsyncEnabled,
	})
	if err != nil {
		return err
	}
	defer embedSvc.Stop()

	idx := newVectorIndex(cfg.Embedding.VectorIndex)
	defer idx.Close()

	repo := memory.NewRepository(st, idx, embedSvc)

	var summ memory.Summarizer
	if apiKey := os.Getenv("ANTHROPIC_API_KEY"); apiKey != "" {
		summ = anthropic.New(anthropic.Config{APIKey: apiKey})
	}

	svc := memory.NewService(repo, memory.ServiceConfig{
		DefaultScope:    cfg.Memory.DefaultScope,
		AutoCreateScope: cfg.Memory.AutoCreateScope,
	}, summ)

	d := dispatcher.New(dispatcher.Config{
		MaxRetryAttempts:     cfg.Dispatch.MaxRetryAttempts,
		RetryDelay:           cfg.Dispatch.RetryDelay,
		FailureThreshold:     cfg.Dispatch.FailureThreshold,
		ResetTimeout:         cfg.Dispatch.ResetTimeout,
		SlowRequestThreshold: dispatcher.DefaultConfig().SlowRequestThreshold,
	})
	dispatcher.RegisterMemoryHandlers(d, svc)

	loader.OnChange("logging", func(c config.Config) {
		log.Printf("[MAIN] config reloaded: logging.level=%s", c.Logging.Level)
	})
	loader.Watch()

	if cfg.Transport.WSAddr != "" {
		go func() {
			if err := transport.WebSocket(ctx, d, cfg.Transport.WSAddr); err != nil {
				log.Printf("[MAIN] websocket transport exited: %v", err)
			}
		}()
	}

	log.Printf("[MAIN] memory engine ready (database.mode=%s, embedding.vector_index=%s)", cfg.Database.Mode, cfg.Embedding.VectorIndex)
	return transport.Stdio(ctx, d, os.Stdin, os.Stdout)
}

func newStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	if cfg.Mode == "external" {
		return mongostore.Connect(ctx, mongostore.Config{URI: cfg.URI})
	}
	return memstore.New(), nil
}

func newVectorIndex(backend string) vectorindex.Index {
	if backend == "chromem" {
		return chromem.New()
	}
	return bruteforce.New()
}

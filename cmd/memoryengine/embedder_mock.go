//go:build !onnx

package main

import (
	"log"

	"github.com/mindfulent/memoryengine/internal/config"
	"github.com/mindfulent/memoryengine/internal/embedding"
	"github.com/mindfulent/memoryengine/internal/embedding/embedder/mockmodel"
)

// newEmbeddingModel builds the deterministic mock embedder. The real
// ONNX-backed model is only compiled in with -tags onnx, since it
// requires a real onnxruntime shared library on the host.
func newEmbeddingModel(cfg config.EmbeddingConfig) embedding.Model {
	if cfg.ModelName != "mock" && cfg.ModelName != "" {
		log.Printf("[MAIN] embedding.model_name=%q requested but this binary was built without -tags onnx; using mock embedder", cfg.ModelName)
	}
	return mockmodel.New(cfg.Dimensions)
}

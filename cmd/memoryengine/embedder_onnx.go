//go:build onnx

package main

import (
	"log"

	"github.com/mindfulent/memoryengine/internal/config"
	"github.com/mindfulent/memoryengine/internal/embedding"
	"github.com/mindfulent/memoryengine/internal/embedding/embedder/mockmodel"
	"github.com/mindfulent/memoryengine/internal/embedding/embedder/onnxmodel"
)

// newEmbeddingModel builds the ONNX-backed model when the binary is
// compiled with -tags onnx, embedding.model_name != "mock" and
// embedding.model_path is set; it falls back to the mock embedder
// otherwise, and also when the ONNX model fails to load.
func newEmbeddingModel(cfg config.EmbeddingConfig) embedding.Model {
	if cfg.ModelName == "mock" || cfg.ModelPath == "" {
		return mockmodel.New(cfg.Dimensions)
	}
	model, err := onnxmodel.New(onnxmodel.Config{
		ModelPath:         cfg.ModelPath,
		TokenizerPath:     cfg.TokenizerPath,
		SharedLibraryPath: cfg.SharedLibraryPath,
		Dimensions:        cfg.Dimensions,
		MaxSequenceLength: 128,
	})
	if err != nil {
		log.Printf("[MAIN] failed to load onnx model, falling back to mock embedder: %v", err)
		return mockmodel.New(cfg.Dimensions)
	}
	return model
}

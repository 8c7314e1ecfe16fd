//go:build onnx

// Package onnxmodel is a real embedding.Model backed by ONNX Runtime,
// adapted from the teacher's memory/embedder/onnx package. It loads a
// BERT-family model (e.g. all-MiniLM-L6-v2) exported to ONNX plus its
// tokenizer.json, and mean-pools the last hidden state into a single
// sentence vector. Gated behind the onnx build tag because it links
// against the onnxruntime shared library, which is not present in a
// default build environment.
package onnxmodel

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"strings"

	ort "github.com/yalue/onnxruntime_go"
)

// Config configures the ONNX-backed model.
type Config struct {
	ModelPath         string // path to model.onnx
	TokenizerPath     string // path to tokenizer.json
	SharedLibraryPath string // path to libonnxruntime.so; required, no hardcoded default
	Dimensions        int    // embedding width, default 384
	MaxSequenceLength int    // token budget, default 128
}

// Model generates embeddings via a loaded ONNX BERT encoder.
type Model struct {
	session    *ort.DynamicAdvancedSession
	tokenizer  *wordpieceTokenizer
	dimensions int
	maxLen     int
}

// New loads the tokenizer and ONNX session described by cfg.
func New(cfg Config) (*Model, error) {
	if cfg.ModelPath == "" {
		return nil, fmt.Errorf("onnxmodel: ModelPath is required")
	}
	if cfg.TokenizerPath == "" {
		return nil, fmt.Errorf("onnxmodel: TokenizerPath is required")
	}
	if cfg.SharedLibraryPath == "" {
		return nil, fmt.Errorf("onnxmodel: SharedLibraryPath is required")
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 384
	}
	if cfg.MaxSequenceLength == 0 {
		cfg.MaxSequenceLength = 128
	}

	ort.SetSharedLibraryPath(cfg.SharedLibraryPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("onnxmodel: initialize runtime: %w", err)
	}

	tok, err := loadTokenizer(cfg.TokenizerPath)
	if err != nil {
		return nil, fmt.Errorf("onnxmodel: load tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(cfg.ModelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("onnxmodel: create session: %w", err)
	}

	return &Model{
		session:    session,
		tokenizer:  tok,
		dimensions: cfg.Dimensions,
		maxLen:     cfg.MaxSequenceLength,
	}, nil
}

// Embed tokenizes text, runs the encoder, and mean-pools attended
// positions of the last hidden state into a unit-normalized vector.
func (m *Model) Embed(ctx context.Context, text string) ([]float32, error) {
	tokens := m.tokenizer.Tokenize(text)

	inputIDs := make([]int64, m.maxLen)
	attentionMask := make([]int64, m.maxLen)
	tokenTypeIDs := make([]int64, m.maxLen)

	inputIDs[0] = int64(m.tokenizer.clsToken)
	attentionMask[0] = 1

	tokenLen := len(tokens)
	if tokenLen > m.maxLen-2 {
		tokenLen = m.maxLen - 2
	}
	for i := 0; i < tokenLen; i++ {
		inputIDs[i+1] = tokens[i]
		attentionMask[i+1] = 1
	}
	endPos := tokenLen + 1
	inputIDs[endPos] = int64(m.tokenizer.sepToken)
	attentionMask[endPos] = 1

	shape := ort.NewShape(1, int64(m.maxLen))
	inputIDsTensor, err := ort.NewTensor(shape, inputIDs)
	if err != nil {
		return nil, fmt.Errorf("onnxmodel: input_ids tensor: %w", err)
	}
	defer inputIDsTensor.Destroy()

	attentionMaskTensor, err := ort.NewTensor(shape, attentionMask)
	if err != nil {
		return nil, fmt.Errorf("onnxmodel: attention_mask tensor: %w", err)
	}
	defer attentionMaskTensor.Destroy()

	tokenTypeIDsTensor, err := ort.NewTensor(shape, tokenTypeIDs)
	if err != nil {
		return nil, fmt.Errorf("onnxmodel: token_type_ids tensor: %w", err)
	}
	defer tokenTypeIDsTensor.Destroy()

	inputs := []ort.Value{inputIDsTensor, attentionMaskTensor, tokenTypeIDsTensor}
	outputs := []ort.Value{nil}
	if err := m.session.Run(inputs, outputs); err != nil {
		return nil, fmt.Errorf("onnxmodel: inference: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	if len(outputs) == 0 || outputs[0] == nil {
		return nil, fmt.Errorf("onnxmodel: no output tensor")
	}
	out, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("onnxmodel: unexpected output tensor type")
	}

	data := out.GetData()
	shapeOut := out.GetShape()

	var embedding []float32
	switch len(shapeOut) {
	case 2:
		if len(data) < m.dimensions {
			return nil, fmt.Errorf("onnxmodel: output dimension mismatch: got %d want %d", len(data), m.dimensions)
		}
		embedding = append([]float32(nil), data[:m.dimensions]...)
	case 3:
		seqLen := int(shapeOut[1])
		hidden := int(shapeOut[2])
		if hidden != m.dimensions {
			return nil, fmt.Errorf("onnxmodel: hidden size mismatch: got %d want %d", hidden, m.dimensions)
		}
		embedding = make([]float32, m.dimensions)
		var attended float32
		for i := 0; i < seqLen; i++ {
			if attentionMask[i] == 0 {
				continue
			}
			attended++
			offset := i * hidden
			for j := 0; j < hidden; j++ {
				embedding[j] += data[offset+j]
			}
		}
		if attended == 0 {
			attended = 1
		}
		for j := range embedding {
			embedding[j] /= attended
		}
	default:
		return nil, fmt.Errorf("onnxmodel: unexpected output shape %v", shapeOut)
	}

	return normalize(embedding), nil
}

// Dimensions returns the embedding vector size.
func (m *Model) Dimensions() int { return m.dimensions }

// Close releases ONNX runtime resources.
func (m *Model) Close() error {
	if m.session != nil {
		return m.session.Destroy()
	}
	return nil
}

func normalize(vec []float32) []float32 {
	var norm float32
	for _, v := range vec {
		norm += v * v
	}
	if norm == 0 {
		return vec
	}
	norm = float32(math.Sqrt(float64(norm)))
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = v / norm
	}
	return out
}

type wordpieceTokenizer struct {
	vocab    map[string]int
	clsToken int
	sepToken int
	unkToken int
}

func loadTokenizer(path string) (*wordpieceTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Model struct {
			Vocab map[string]int `json:"vocab"`
		} `json:"model"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, err
	}
	return &wordpieceTokenizer{
		vocab:    parsed.Model.Vocab,
		clsToken: 101,
		sepToken: 102,
		unkToken: 100,
	}, nil
}

func (t *wordpieceTokenizer) Tokenize(text string) []int64 {
	text = strings.ToLower(text)
	words := strings.Fields(text)

	var tokens []int64
	for _, word := range words {
		word = strings.Trim(word, ".,!?;:\"'")
		if id, ok := t.vocab[word]; ok {
			tokens = append(tokens, int64(id))
			continue
		}
		for _, sub := range t.wordPiece(word) {
			if id, ok := t.vocab[sub]; ok {
				tokens = append(tokens, int64(id))
			} else {
				tokens = append(tokens, int64(t.unkToken))
			}
		}
	}
	return tokens
}

func (t *wordpieceTokenizer) wordPiece(word string) []string {
	if len(word) == 0 {
		return nil
	}
	var subwords []string
	start := 0
	for start < len(word) {
		end := len(word)
		found := false
		for end > start {
			substr := word[start:end]
			if start > 0 {
				substr = "##" + substr
			}
			if _, ok := t.vocab[substr]; ok {
				subwords = append(subwords, substr)
				start = end
				found = true
				break
			}
			end--
		}
		if !found {
			subwords = append(subwords, "[UNK]")
			start++
		}
	}
	return subwords
}

package ai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// Embedder turns text into fixed-size vectors. Ingestion and queries must
// go through the same Embedder so both live in one embedding space.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	ModelName() string
}

// CheckDimensions verifies that every vector has exactly dim components.
func CheckDimensions(vectors [][]float32, dim int) error {
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has %d dimensions, want %d", ErrDimensionMismatch, i, len(v), dim)
		}
	}
	return nil
}

// LazyEmbedder defers loading the underlying model until the first call.
// Concurrent first callers wait for a single load; a failed load is retried
// by the next caller.
type LazyEmbedder struct {
	mu    sync.Mutex
	model string
	dim   int
	load  func() (Embedder, error)
	inner Embedder
}

func NewLazyEmbedder(model string, dim int, load func() (Embedder, error)) *LazyEmbedder {
	return &LazyEmbedder{model: model, dim: dim, load: load}
}

func (l *LazyEmbedder) get() (Embedder, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.inner != nil {
		return l.inner, nil
	}
	inner, err := l.load()
	if err != nil {
		return nil, fmt.Errorf("load embedding model %s failed: %w", l.model, err)
	}
	if inner.Dimensions() != l.dim {
		return nil, fmt.Errorf("%w: model %s reports %d dimensions, configured %d",
			ErrDimensionMismatch, l.model, inner.Dimensions(), l.dim)
	}
	l.inner = inner
	return inner, nil
}

func (l *LazyEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	e, err := l.get()
	if err != nil {
		return nil, err
	}
	vectors, err := e.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vectors), len(texts))
	}
	if err := CheckDimensions(vectors, l.dim); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (l *LazyEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := l.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (l *LazyEmbedder) Dimensions() int { return l.dim }

func (l *LazyEmbedder) ModelName() string { return l.model }

// Loaded reports whether the underlying model has been loaded.
func (l *LazyEmbedder) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inner != nil
}

// Close releases the underlying model if it was loaded and holds resources.
func (l *LazyEmbedder) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.inner.(io.Closer); ok {
		l.inner = nil
		return c.Close()
	}
	return nil
}

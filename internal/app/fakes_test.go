package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"echopal/internal/ai"
	"echopal/internal/pkg/pdfextract"
	"echopal/internal/vectorstore"
)

const testDim = 3

type fakeExtractor struct {
	mu    sync.Mutex
	texts map[string]string
	calls int
}

func newFakeExtractor() *fakeExtractor {
	return &fakeExtractor{texts: make(map[string]string)}
}

func (f *fakeExtractor) set(path, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts[path] = text
}

func (f *fakeExtractor) Extract(path string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	text, ok := f.texts[path]
	if !ok {
		return "", fmt.Errorf("%w: open %s: no such file", pdfextract.ErrExtraction, path)
	}
	return text, nil
}

// fakeEmbedder maps text to a deterministic vector. failOn makes the n-th
// Embed call (1-based) fail.
type fakeEmbedder struct {
	mu     sync.Mutex
	calls  int
	failOn int
	vecs   map[string][]float32
}

func newFakeEmbedder() *fakeEmbedder {
	return &fakeEmbedder{vecs: make(map[string][]float32)}
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failOn > 0 && f.calls == f.failOn {
		return nil, errors.New("embedding backend down")
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		if v, ok := f.vecs[t]; ok {
			out[i] = v
			continue
		}
		out[i] = []float32{float32(len(t)%7) + 1, float32(strings.Count(t, " ")) + 1, 1}
	}
	return out, nil
}

func (f *fakeEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	v, err := f.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

func (f *fakeEmbedder) Dimensions() int   { return testDim }
func (f *fakeEmbedder) ModelName() string { return "fake" }

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeGenerator struct {
	mu       sync.Mutex
	response string
	chunks   []string
	err      error
	prompts  []string
	opts     []ai.GenerateOptions
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string, opts ai.GenerateOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	f.opts = append(f.opts, opts)
	if f.err != nil {
		return "", f.err
	}
	if opts.Stream && opts.OnChunk != nil {
		for _, c := range f.chunks {
			if err := opts.OnChunk(c); err != nil {
				return "", err
			}
		}
		return strings.Join(f.chunks, ""), nil
	}
	return f.response, nil
}

func (f *fakeGenerator) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

// stubStore wraps a MemoryStore and lets tests override query results or
// inject failures.
type stubStore struct {
	*vectorstore.MemoryStore
	results    []vectorstore.Result
	queryErr   error
	deleteErr  error
	compactErr error
}

func newStubStore() *stubStore {
	return &stubStore{MemoryStore: vectorstore.NewMemoryStore(testDim)}
}

func (s *stubStore) Query(ctx context.Context, embedding []float32, topK int) ([]vectorstore.Result, error) {
	if s.queryErr != nil {
		return nil, s.queryErr
	}
	if s.results != nil {
		if len(s.results) > topK {
			return s.results[:topK], nil
		}
		return s.results, nil
	}
	return s.MemoryStore.Query(ctx, embedding, topK)
}

func (s *stubStore) Delete(ctx context.Context, ids []string) error {
	if s.deleteErr != nil {
		return s.deleteErr
	}
	return s.MemoryStore.Delete(ctx, ids)
}

func (s *stubStore) Compact(ctx context.Context) error {
	if s.compactErr != nil {
		return s.compactErr
	}
	return s.MemoryStore.Compact(ctx)
}

func words(n int) string {
	w := make([]string, n)
	for i := range w {
		w[i] = fmt.Sprintf("w%d", i)
	}
	return strings.Join(w, " ")
}

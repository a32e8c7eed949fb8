package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"sync"

	"echopal/internal/ai"
	"echopal/internal/pkg/chunker"
	"echopal/internal/vectorstore"
)

const (
	RefusalNoMatches  = "Apologies, I don't have the answer for it."
	RefusalOutOfScope = "Apologies, I couldn't answer your query as it is outside my knowledge base."

	StatusAdded    = "added"
	StatusSkipped  = "skipped"
	StatusRemoved  = "removed"
	StatusNotFound = "not_found"

	defaultTopK              = 4
	defaultDistanceThreshold = 0.25
	defaultBatchSize         = 32
	defaultMaxTokens         = 500
)

var (
	ErrRetrieval  = errors.New("retrieval failed")
	ErrGeneration = errors.New("generation failed")
	ErrEmbedding  = errors.New("embedding failed")
	ErrCompaction = errors.New("compaction failed")
)

const groundedPromptTemplate = `You are EchoPal, a policy assistant for a bank. Answer the user's question *only* using the information in the context below. Provide a **complete and well-explained answer**, covering every relevant detail the context offers.

If the answer cannot be found in the context, reply exactly: "%s"

Context:
%s

Question: %s

Answer:`

// TextExtractor returns the plain text of a document on disk.
type TextExtractor interface {
	Extract(path string) (string, error)
}

type RAGConfig struct {
	ChunkSize         int
	TopK              int
	DistanceThreshold float64
	BatchSize         int
	MaxTokens         int
	CompactOnRemove   bool
}

// RAGService owns ingestion, removal and grounded answering over one
// vector store collection.
type RAGService struct {
	// serialises Ingest and Remove so the exists-check and the write are atomic
	mu sync.Mutex

	extractor TextExtractor
	embedder  ai.Embedder
	store     vectorstore.Store
	generator ai.Generator
	cfg       RAGConfig
}

func NewRAGService(
	extractor TextExtractor,
	embedder ai.Embedder,
	store vectorstore.Store,
	generator ai.Generator,
	cfg RAGConfig,
) *RAGService {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunker.DefaultSize
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.DistanceThreshold <= 0 {
		cfg.DistanceThreshold = defaultDistanceThreshold
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	return &RAGService{
		extractor: extractor,
		embedder:  embedder,
		store:     store,
		generator: generator,
		cfg:       cfg,
	}
}

type IngestResult struct {
	Status     string `json:"status"`
	Source     string `json:"source"`
	ChunkCount int    `json:"chunk_count"`
}

type RemoveResult struct {
	Status       string `json:"status"`
	Source       string `json:"source"`
	DeletedCount int    `json:"deleted_count"`
}

// Ingest indexes the PDF at path under its base name. A source that is
// already indexed is skipped without re-embedding.
func (s *RAGService) Ingest(ctx context.Context, path string) (*IngestResult, error) {
	source, err := sourceName(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ingestLocked(ctx, path, source)
}

func (s *RAGService) ingestLocked(ctx context.Context, path, source string) (*IngestResult, error) {
	exists, err := s.store.Exists(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("check source %s failed: %w", source, err)
	}
	if exists {
		ids, err := s.store.ListBySource(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("list source %s failed: %w", source, err)
		}
		log.Printf("rag ingest %s skipped: already indexed with %d chunks", source, len(ids))
		return &IngestResult{Status: StatusSkipped, Source: source, ChunkCount: len(ids)}, nil
	}

	text, err := s.extractor.Extract(path)
	if err != nil {
		return nil, fmt.Errorf("extract %s failed: %w", source, err)
	}

	chunks := chunker.Split(text, s.cfg.ChunkSize)
	if len(chunks) == 0 {
		log.Printf("rag ingest %s: no extractable text, nothing indexed", source)
		return &IngestResult{Status: StatusAdded, Source: source, ChunkCount: 0}, nil
	}

	// Embed in batches to stay under provider request limits.
	embeddings := make([][]float32, 0, len(chunks))
	for i := 0; i < len(chunks); i += s.cfg.BatchSize {
		end := i + s.cfg.BatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batched, err := s.embedder.Embed(ctx, chunks[i:end])
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrEmbedding, source, err)
		}
		embeddings = append(embeddings, batched...)
	}
	if len(embeddings) != len(chunks) {
		return nil, fmt.Errorf("%w: %s: got %d embeddings for %d chunks", ErrEmbedding, source, len(embeddings), len(chunks))
	}

	records := make([]vectorstore.Record, len(chunks))
	for i := range chunks {
		records[i] = vectorstore.Record{
			ID:        ChunkID(source, i),
			Text:      chunks[i],
			Source:    source,
			Embedding: embeddings[i],
		}
	}
	if err := s.store.Upsert(ctx, records...); err != nil {
		return nil, fmt.Errorf("store chunks for %s failed: %w", source, err)
	}

	log.Printf("rag ingest %s: added %d chunks", source, len(chunks))
	return &IngestResult{Status: StatusAdded, Source: source, ChunkCount: len(chunks)}, nil
}

// Remove deletes every chunk of source. When compaction is enabled and
// fails, the result is still returned together with an ErrCompaction error;
// the deletion itself has already been committed.
func (s *RAGService) Remove(ctx context.Context, source string) (*RemoveResult, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("%w: empty source", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(ctx, source)
}

func (s *RAGService) removeLocked(ctx context.Context, source string) (*RemoveResult, error) {
	ids, err := s.store.ListBySource(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("list source %s failed: %w", source, err)
	}
	if len(ids) == 0 {
		log.Printf("rag remove %s: not indexed", source)
		return &RemoveResult{Status: StatusNotFound, Source: source}, nil
	}

	if err := s.store.Delete(ctx, ids); err != nil {
		return nil, fmt.Errorf("delete chunks for %s failed: %w", source, err)
	}
	log.Printf("rag remove %s: deleted %d chunks", source, len(ids))

	result := &RemoveResult{Status: StatusRemoved, Source: source, DeletedCount: len(ids)}
	if s.cfg.CompactOnRemove {
		if err := s.store.Compact(ctx); err != nil {
			return result, fmt.Errorf("%w: %w", ErrCompaction, err)
		}
	}
	return result, nil
}

// Reindex replaces the chunks of the document at path with a fresh ingest.
func (s *RAGService) Reindex(ctx context.Context, path string) (*IngestResult, error) {
	source, err := sourceName(path)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.removeLocked(ctx, source); err != nil && !errors.Is(err, ErrCompaction) {
		return nil, err
	}
	return s.ingestLocked(ctx, path, source)
}

// AskInput is a single question. A TopK or DistanceThreshold that is not
// positive means the configured default. Cosine distances are never
// negative, so there is no meaningful threshold at or below zero.
type AskInput struct {
	Question          string
	TopK              int
	DistanceThreshold float64
}

// AnswerResult is the generated response plus the matches it was grounded
// on. Fallback is set when no match passed the threshold and the single
// nearest chunk was used instead.
type AnswerResult struct {
	Response string               `json:"response"`
	Sources  []string             `json:"sources"`
	Matches  []vectorstore.Result `json:"matches"`
	Fallback bool                 `json:"fallback"`
}

// Answer retrieves the closest chunks for the question and asks the
// generator for an answer grounded in them.
func (s *RAGService) Answer(ctx context.Context, input AskInput) (*AnswerResult, error) {
	return s.answer(ctx, input, nil)
}

// StreamAnswer is Answer with the generated text delivered through onChunk
// as it arrives. A refusal is delivered as a single chunk.
func (s *RAGService) StreamAnswer(ctx context.Context, input AskInput, onChunk func(string) error) (*AnswerResult, error) {
	if onChunk == nil {
		return nil, fmt.Errorf("%w: nil chunk callback", ErrInvalidInput)
	}
	return s.answer(ctx, input, onChunk)
}

func (s *RAGService) answer(ctx context.Context, input AskInput, onChunk func(string) error) (*AnswerResult, error) {
	question := strings.TrimSpace(input.Question)
	if question == "" {
		return nil, fmt.Errorf("%w: empty question", ErrInvalidInput)
	}
	topK := input.TopK
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	threshold := input.DistanceThreshold
	if threshold <= 0 {
		threshold = s.cfg.DistanceThreshold
	}

	results, err := s.Retrieve(ctx, question, topK)
	if err != nil {
		return nil, err
	}
	matches, fallback := SelectMatches(results, threshold)
	logRetrieval(question, results, matches, fallback)

	if len(matches) == 0 {
		if onChunk != nil {
			if err := onChunk(RefusalNoMatches); err != nil {
				return nil, err
			}
		}
		return &AnswerResult{Response: RefusalNoMatches, Sources: []string{}, Matches: []vectorstore.Result{}}, nil
	}

	opts := ai.GenerateOptions{MaxTokens: s.cfg.MaxTokens}
	if onChunk != nil {
		opts.Stream = true
		opts.OnChunk = onChunk
	}
	response, err := s.generator.Generate(ctx, BuildGroundedPrompt(question, matches), opts)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	return &AnswerResult{
		Response: response,
		Sources:  uniqueSources(matches),
		Matches:  matches,
		Fallback: fallback,
	}, nil
}

// Retrieve embeds the question and returns the topK nearest chunks without
// applying the distance threshold.
func (s *RAGService) Retrieve(ctx context.Context, question string, topK int) ([]vectorstore.Result, error) {
	if strings.TrimSpace(question) == "" {
		return nil, fmt.Errorf("%w: empty question", ErrInvalidInput)
	}
	if topK <= 0 {
		topK = s.cfg.TopK
	}
	embedding, err := s.embedder.EmbedOne(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", ErrRetrieval, err)
	}
	results, err := s.store.Query(ctx, embedding, topK)
	if err != nil {
		return nil, fmt.Errorf("%w: query store: %w", ErrRetrieval, err)
	}
	return results, nil
}

// Sources lists indexed documents with their chunk counts.
func (s *RAGService) Sources(ctx context.Context) ([]vectorstore.SourceStat, error) {
	return s.store.Sources(ctx)
}

func (s *RAGService) ChunkCount(ctx context.Context) (int, error) {
	return s.store.Count(ctx)
}

// SelectMatches keeps results strictly below threshold. If none pass but
// results is non-empty, the single nearest result is kept and fallback is
// reported.
func SelectMatches(results []vectorstore.Result, threshold float64) (matches []vectorstore.Result, fallback bool) {
	matches = make([]vectorstore.Result, 0, len(results))
	for _, r := range results {
		if r.Distance < threshold {
			matches = append(matches, r)
		}
	}
	if len(matches) == 0 && len(results) > 0 {
		return results[:1], true
	}
	return matches, false
}

// BuildGroundedPrompt formats matches as "From {source}: {text}" blocks and
// wraps them in the answering instructions.
func BuildGroundedPrompt(question string, matches []vectorstore.Result) string {
	parts := make([]string, len(matches))
	for i, m := range matches {
		parts[i] = fmt.Sprintf("From %s: %s", m.Source, m.Text)
	}
	return fmt.Sprintf(groundedPromptTemplate, RefusalOutOfScope, strings.Join(parts, "\n\n"), question)
}

func ChunkID(source string, ordinal int) string {
	return fmt.Sprintf("%s_%d", source, ordinal)
}

func sourceName(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", fmt.Errorf("%w: empty path", ErrInvalidInput)
	}
	source := filepath.Base(path)
	if source == "." || source == string(filepath.Separator) {
		return "", fmt.Errorf("%w: %q has no file name", ErrInvalidInput, path)
	}
	return source, nil
}

func uniqueSources(matches []vectorstore.Result) []string {
	seen := make(map[string]bool, len(matches))
	sources := make([]string, 0, len(matches))
	for _, m := range matches {
		if seen[m.Source] {
			continue
		}
		seen[m.Source] = true
		sources = append(sources, m.Source)
	}
	return sources
}

func logRetrieval(question string, results, matches []vectorstore.Result, fallback bool) {
	distances := make([]string, len(results))
	for i, r := range results {
		distances[i] = fmt.Sprintf("%s=%.4f", r.ID, r.Distance)
	}
	log.Printf("rag retrieve %q: %d results [%s], %d used, fallback=%t",
		question, len(results), strings.Join(distances, " "), len(matches), fallback)
}

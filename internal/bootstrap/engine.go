package bootstrap

import (
	"context"
	"fmt"
	"log"

	"echopal/internal/ai"
	"echopal/internal/app"
	"echopal/internal/config"
	"echopal/internal/encoder"
	"echopal/internal/pkg/pdfextract"
	"echopal/internal/vectorstore"
)

// Engine is the retrieval core shared by the HTTP server, the CLI and the
// MCP server. It needs no MySQL, Redis or RabbitMQ.
type Engine struct {
	Config   *config.Config
	Embedder *ai.LazyEmbedder
	Store    vectorstore.Store
	RAG      *app.RAGService
}

func NewEngine(ctx context.Context, cfg *config.Config) (*Engine, error) {
	store, err := newStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	embedder := newEmbedder(cfg.Embedding)
	generator := newGenerator(cfg.LLM)

	rag := app.NewRAGService(pdfextract.New(), embedder, store, generator, app.RAGConfig{
		ChunkSize:         cfg.Retrieval.ChunkSize,
		TopK:              cfg.Retrieval.TopK,
		DistanceThreshold: cfg.Retrieval.DistanceThreshold,
		BatchSize:         cfg.Embedding.BatchSize,
		MaxTokens:         cfg.LLM.MaxTokens,
		CompactOnRemove:   cfg.Storage.CompactOnRemove,
	})

	return &Engine{
		Config:   cfg,
		Embedder: embedder,
		Store:    store,
		RAG:      rag,
	}, nil
}

func (e *Engine) Close() error {
	var closeErr error
	if e.Embedder != nil {
		if err := e.Embedder.Close(); err != nil {
			closeErr = err
		}
	}
	if e.Store != nil {
		if err := e.Store.Close(); err != nil {
			closeErr = err
		}
	}
	return closeErr
}

func newStore(ctx context.Context, cfg *config.Config) (vectorstore.Store, error) {
	if cfg.Storage.Backend == "memory" {
		log.Printf("vector store: in-memory collection %s (nothing is persisted)", cfg.Storage.Collection)
		return vectorstore.NewMemoryStore(cfg.Embedding.Dimensions), nil
	}

	store, err := vectorstore.OpenSQLite(ctx, vectorstore.SQLiteOptions{
		Path:       cfg.Storage.VectorPath,
		Collection: cfg.Storage.Collection,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("open vector store failed: %w", err)
	}
	log.Printf("vector store: %s collection %s", cfg.Storage.VectorPath, cfg.Storage.Collection)
	return store, nil
}

func newEmbedder(cfg config.EmbeddingConfig) *ai.LazyEmbedder {
	load := func() (ai.Embedder, error) {
		switch cfg.Provider {
		case "openai":
			client := ai.NewOpenAICompatibleClient()
			return ai.NewOpenAIEmbedder(client, ai.EmbeddingConfig{
				BaseURL: cfg.BaseURL,
				APIKey:  cfg.APIKey,
				Model:   cfg.Model,
			}, cfg.Dimensions), nil
		case "ollama":
			return ai.NewOllamaEmbedder(ai.NewOllamaClient(cfg.BaseURL), cfg.Model, cfg.Dimensions), nil
		default:
			log.Printf("embedding: loading %s from %s", cfg.Model, cfg.ONNXModelPath)
			model, err := encoder.NewMiniLM(encoder.Options{
				ModelPath:     cfg.ONNXModelPath,
				VocabPath:     cfg.ONNXVocabPath,
				SharedLibPath: cfg.ONNXSharedLibPath,
				ModelName:     cfg.Model,
				Dimensions:    cfg.Dimensions,
				MaxSeqLen:     cfg.MaxSeqLen,
			})
			if err != nil {
				return nil, err
			}
			return model, nil
		}
	}
	return ai.NewLazyEmbedder(cfg.Model, cfg.Dimensions, load)
}

func newGenerator(cfg config.LLMConfig) ai.Generator {
	if cfg.Provider == "ollama" {
		return ai.NewOllamaGenerator(ai.NewOllamaClient(cfg.BaseURL), cfg.Model, cfg.MaxTokens)
	}
	return ai.NewOpenAIGenerator(ai.NewOpenAICompatibleClient(), ai.ChatConfig{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
	})
}

package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// EmbeddingConfig holds API settings for text-embedding (OpenAI-compatible).
type EmbeddingConfig struct {
	BaseURL string
	APIKey  string
	Model   string
}

// EmbedBatch returns one embedding per input text, in input order.
func (c *OpenAICompatibleClient) EmbedBatch(ctx context.Context, cfg EmbeddingConfig, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("embedding input %d is empty", i)
		}
	}

	resp, err := c.post(ctx, cfg.BaseURL, cfg.APIKey, "/embeddings", struct {
		Model string   `json:"model"`
		Input []string `json:"input"`
	}{Model: cfg.Model, Input: texts})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("parse embedding response failed: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(parsed.Data))
	}

	// the API may reorder items; index is authoritative
	result := make([][]float32, len(texts))
	for i, d := range parsed.Data {
		idx := d.Index
		if idx < 0 || idx >= len(texts) || result[idx] != nil {
			idx = i
		}
		result[idx] = d.Embedding
	}
	return result, nil
}

// OpenAIEmbedder adapts the OpenAI-compatible /embeddings endpoint to Embedder.
type OpenAIEmbedder struct {
	client *OpenAICompatibleClient
	cfg    EmbeddingConfig
	dim    int
}

func NewOpenAIEmbedder(client *OpenAICompatibleClient, cfg EmbeddingConfig, dim int) *OpenAIEmbedder {
	return &OpenAIEmbedder{client: client, cfg: cfg, dim: dim}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := e.client.EmbedBatch(ctx, e.cfg, texts)
	if err != nil {
		return nil, err
	}
	if err := CheckDimensions(vectors, e.dim); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (e *OpenAIEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OpenAIEmbedder) Dimensions() int   { return e.dim }
func (e *OpenAIEmbedder) ModelName() string { return e.cfg.Model }

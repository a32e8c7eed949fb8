package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// OllamaClient talks to a local Ollama instance for embeddings and chat.
type OllamaClient struct {
	baseURL string
	client  *http.Client
}

func NewOllamaClient(baseURL string) *OllamaClient {
	return &OllamaClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// EmbedBatch calls /api/embed. The result has the same length and order as texts.
func (c *OllamaClient) EmbedBatch(ctx context.Context, model string, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var result ollamaEmbedResponse
	if err := c.post(ctx, "/api/embed", ollamaEmbedRequest{Model: model, Input: texts}, &result); err != nil {
		return nil, fmt.Errorf("ollama embed failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(result.Embeddings))
	}
	return result.Embeddings, nil
}

type ollamaChatRequest struct {
	Model    string         `json:"model"`
	Messages []ChatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaChatResponse struct {
	Message ChatMessage `json:"message"`
	Done    bool        `json:"done"`
}

// Chat calls /api/chat. With onChunk set the response is streamed as
// newline-delimited JSON and each content delta is passed to onChunk.
func (c *OllamaClient) Chat(
	ctx context.Context,
	model string,
	messages []ChatMessage,
	maxTokens int,
	onChunk func(chunk string) error,
) (string, error) {
	reqBody := ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   onChunk != nil,
	}
	if maxTokens > 0 {
		reqBody.Options = map[string]any{"num_predict": maxTokens}
	}

	if onChunk == nil {
		var result ollamaChatResponse
		if err := c.post(ctx, "/api/chat", reqBody, &result); err != nil {
			return "", fmt.Errorf("ollama chat failed: %w", err)
		}
		return result.Message.Content, nil
	}

	resp, err := c.do(ctx, "/api/chat", reqBody)
	if err != nil {
		return "", fmt.Errorf("ollama chat stream failed: %w", err)
	}
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var full strings.Builder
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if text := chunk.Message.Content; text != "" {
			full.WriteString(text)
			if err := onChunk(text); err != nil {
				return "", err
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan ollama stream failed: %w", err)
	}
	return full.String(), nil
}

func (c *OllamaClient) post(ctx context.Context, path string, body, out any) error {
	resp, err := c.do(ctx, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *OllamaClient) do(ctx context.Context, path string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ollama returned %d: %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// OllamaEmbedder adapts OllamaClient to Embedder.
type OllamaEmbedder struct {
	client *OllamaClient
	model  string
	dim    int
}

func NewOllamaEmbedder(client *OllamaClient, model string, dim int) *OllamaEmbedder {
	return &OllamaEmbedder{client: client, model: model, dim: dim}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := e.client.EmbedBatch(ctx, e.model, texts)
	if err != nil {
		return nil, err
	}
	if err := CheckDimensions(vectors, e.dim); err != nil {
		return nil, err
	}
	return vectors, nil
}

func (e *OllamaEmbedder) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *OllamaEmbedder) Dimensions() int   { return e.dim }
func (e *OllamaEmbedder) ModelName() string { return e.model }

// OllamaGenerator implements Generator over /api/chat.
type OllamaGenerator struct {
	client    *OllamaClient
	model     string
	maxTokens int
}

func NewOllamaGenerator(client *OllamaClient, model string, maxTokens int) *OllamaGenerator {
	return &OllamaGenerator{client: client, model: model, maxTokens: maxTokens}
}

func (g *OllamaGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	maxTokens := g.maxTokens
	if opts.MaxTokens > 0 {
		maxTokens = opts.MaxTokens
	}
	var onChunk func(string) error
	if opts.Stream {
		onChunk = opts.OnChunk
	}
	return g.client.Chat(ctx, g.model, []ChatMessage{{Role: "user", Content: prompt}}, maxTokens, onChunk)
}

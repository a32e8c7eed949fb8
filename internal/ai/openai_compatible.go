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

type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatConfig struct {
	BaseURL   string
	APIKey    string
	Model     string
	MaxTokens int
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

// OpenAICompatibleClient talks to any server exposing the OpenAI
// /chat/completions and /embeddings routes (OpenAI, HF router, vLLM).
type OpenAICompatibleClient struct {
	httpClient *http.Client
}

func NewOpenAICompatibleClient() *OpenAICompatibleClient {
	return &OpenAICompatibleClient{
		httpClient: &http.Client{Timeout: 90 * time.Second},
	}
}

// post sends body as JSON to baseURL+route. A non-2xx status is turned into
// an error carrying the code and the response text; on success the caller
// owns the body.
func (c *OpenAICompatibleClient) post(ctx context.Context, baseURL, apiKey, route string, body any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal %s request failed: %w", route, err)
	}

	url := strings.TrimRight(baseURL, "/") + route
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build %s request failed: %w", route, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	client := c.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request failed: %w", route, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%s response status %d: %s", route, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return resp, nil
}

func (c *OpenAICompatibleClient) Complete(ctx context.Context, cfg ChatConfig, messages []ChatMessage) (string, error) {
	resp, err := c.post(ctx, cfg.BaseURL, cfg.APIKey, "/chat/completions", chatRequest{
		Model:     cfg.Model,
		Messages:  messages,
		MaxTokens: cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var parsed struct {
		Choices []struct {
			Message ChatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("parse completion failed: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("completion has no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}

// StreamComplete requests a server-sent-event completion and hands every
// content delta to onChunk as it arrives. The concatenated text is returned.
func (c *OpenAICompatibleClient) StreamComplete(
	ctx context.Context,
	cfg ChatConfig,
	messages []ChatMessage,
	onChunk func(chunk string) error,
) (string, error) {
	resp, err := c.post(ctx, cfg.BaseURL, cfg.APIKey, "/chat/completions", chatRequest{
		Model:     cfg.Model,
		Messages:  messages,
		Stream:    true,
		MaxTokens: cfg.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	return readDeltaStream(resp.Body, onChunk)
}

func readDeltaStream(r io.Reader, onChunk func(string) error) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)

	var full strings.Builder
	for scanner.Scan() {
		payload, ok := strings.CutPrefix(strings.TrimSpace(scanner.Text()), "data:")
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)
		if payload == "[DONE]" {
			break
		}

		var event struct {
			Choices []struct {
				Delta struct {
					Content string `json:"content"`
				} `json:"delta"`
			} `json:"choices"`
		}
		// keep-alives and vendor extensions are not JSON deltas
		if json.Unmarshal([]byte(payload), &event) != nil || len(event.Choices) == 0 {
			continue
		}
		delta := event.Choices[0].Delta.Content
		if delta == "" {
			continue
		}

		full.WriteString(delta)
		if err := onChunk(delta); err != nil {
			return full.String(), err
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("read completion stream failed: %w", err)
	}
	return full.String(), nil
}

// OpenAIGenerator sends a grounded prompt as a single user message to an
// OpenAI-compatible chat completions endpoint.
type OpenAIGenerator struct {
	client *OpenAICompatibleClient
	cfg    ChatConfig
}

func NewOpenAIGenerator(client *OpenAICompatibleClient, cfg ChatConfig) *OpenAIGenerator {
	return &OpenAIGenerator{client: client, cfg: cfg}
}

func (g *OpenAIGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	cfg := g.cfg
	if opts.MaxTokens > 0 {
		cfg.MaxTokens = opts.MaxTokens
	}
	messages := []ChatMessage{{Role: "user", Content: prompt}}
	if opts.Stream && opts.OnChunk != nil {
		return g.client.StreamComplete(ctx, cfg, messages, opts.OnChunk)
	}
	return g.client.Complete(ctx, cfg, messages)
}

package ai

import "context"

type GenerateOptions struct {
	// Stream asks the backend to stream tokens; OnChunk receives them in order.
	Stream    bool
	OnChunk   func(chunk string) error
	MaxTokens int
}

// Generator produces a completion for a fully formed prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

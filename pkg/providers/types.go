package providers

import (
	"context"
	"errors"
)

var (
	// ErrGenerationTimeout is returned when a generator call exceeds its
	// deadline.
	ErrGenerationTimeout = errors.New("generation timed out")
	// ErrGenerationFailure wraps any other generator error.
	ErrGenerationFailure = errors.New("generation failed")
)

// Generator produces text from a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error) {
	return f(ctx, prompt, maxTokens, temperature)
}

// Message is a chat completions message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type UsageInfo struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Package llm defines the provider-agnostic interface for the language-model
// calls the tool classifier makes.
package llm

import "context"

// Provider is the abstraction over an LLM backend.
type Provider interface {
	// Complete sends a single-turn prompt and returns the model's reply.
	Complete(ctx context.Context, req *Request) (*Response, error)
	// Name returns the provider identifier (e.g. "anthropic").
	Name() string
}

// Request is a single-turn completion request.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	MaxTokens    int
}

// Response is the model's reply.
type Response struct {
	Text       string
	StopReason string
	Usage      Usage
}

// Usage reports token counts for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

package providers

import "context"

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatRequest struct {
	Model        string
	SystemPrompt string
	Messages     []Message
	MaxTokens    int
	Temperature  float64
}

// Stream yields generated text fragments in order. Recv returns io.EOF once
// generation is complete. Close releases the underlying call and is safe to
// call at any point, including more than once.
type Stream interface {
	Recv() (string, error)
	Close() error
}

type Provider interface {
	Stream(ctx context.Context, req ChatRequest) (Stream, error)
}

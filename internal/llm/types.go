package llm

import "context"

// Message is one turn of the running conversation sent to the model.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a single completion request.
type ChatRequest struct {
	Model       string    `json:"model,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
}

// StopReason values reported by the provider. StopEndTurn signals that the
// model considers its turn finished.
const (
	StopEndTurn   = "end_turn"
	StopMaxTokens = "max_tokens"
)

// ChatResponse is the provider-agnostic reply.
type ChatResponse struct {
	Content      string
	StopReason   string
	InputTokens  int
	OutputTokens int
}

// Client is the hosted-model contract consumed by the agent loop.
type Client interface {
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

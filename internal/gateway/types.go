// Package gateway routes completion requests across interchangeable LLM
// providers with health tracking, failover and response streaming.
package gateway

import (
	"context"
	"time"
)

// Message is a single chat message in a completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest describes one completion call. It is immutable once built.
type CompletionRequest struct {
	Messages          []Message `json:"messages"`
	Temperature       float64   `json:"temperature"`
	MaxTokens         int       `json:"max_tokens,omitempty"`
	Stream            bool      `json:"stream"`
	PreferredProvider string    `json:"provider,omitempty"`
}

// CompletionResponse is the result of a non-streaming completion call.
type CompletionResponse struct {
	Text      string        `json:"text"`
	Provider  string        `json:"provider"`
	Latency   time.Duration `json:"latency"`
	Truncated bool          `json:"truncated"`
}

// StreamChunk is one element of a streaming response. A chunk with Done set
// terminates the stream normally; a chunk with Err set terminates it with a
// partial-result failure. Text may be empty on terminal chunks.
type StreamChunk struct {
	Text string
	Done bool
	Err  error
}

// ChatClient is the transport-level contract a provider backend implements.
// Complete returns the full text plus whether the model stopped on its token
// limit. Stream returns a channel that yields chunks until a Done or Err
// chunk; the channel is closed after the terminal chunk.
type ChatClient interface {
	Complete(ctx context.Context, req CompletionRequest) (text string, truncated bool, err error)
	Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error)
}

// splitSystem separates a leading system message from the conversation, the
// shape the Anthropic and Ollama APIs expect.
func splitSystem(messages []Message) (system string, rest []Message) {
	for _, m := range messages {
		if m.Role == "system" && system == "" {
			system = m.Content
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

package gateway

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

const (
	anthropicBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion = "2023-06-01"

	// The messages API rejects requests without max_tokens.
	claudeDefaultMaxTokens = 1024
)

// ClaudeClient speaks the Anthropic messages protocol.
type ClaudeClient struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewClaudeClient creates an Anthropic API client.
func NewClaudeClient(name, baseURL, apiKey, model string, timeout time.Duration) *ClaudeClient {
	if baseURL == "" {
		baseURL = anthropicBaseURL
	}
	return &ClaudeClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: timeout},
		},
	}
}

type claudeRequest struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Error      *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type claudeStreamEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
}

func (c *ClaudeClient) post(ctx context.Context, req CompletionRequest, stream bool) (*http.Response, error) {
	system, rest := splitSystem(req.Messages)
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = claudeDefaultMaxTokens
	}
	body := claudeRequest{
		Model:       c.model,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      system,
		Messages:    rest,
		Stream:      stream,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		var errResp claudeResponse
		msg := resp.Status
		if derr := json.NewDecoder(resp.Body).Decode(&errResp); derr == nil && errResp.Error != nil {
			msg = errResp.Error.Message
		}
		return nil, &APIError{Provider: c.name, Status: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

// Complete implements ChatClient.
func (c *ClaudeClient) Complete(ctx context.Context, req CompletionRequest) (string, bool, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	var parsed claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, &MalformedResponseError{Provider: c.name, Reason: err.Error()}
	}
	if len(parsed.Content) == 0 {
		return "", false, &MalformedResponseError{Provider: c.name, Reason: "empty content"}
	}
	var text strings.Builder
	for _, block := range parsed.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	return text.String(), parsed.StopReason == "max_tokens", nil
}

// Stream implements ChatClient. Anthropic streams SSE events; text arrives in
// content_block_delta events and message_stop ends the stream.
func (c *ClaudeClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
	resp, err := c.post(ctx, req, true)
	if err != nil {
		return nil, err
	}

	out := make(chan StreamChunk, 16)
	go func() {
		defer close(out)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data:") {
				continue
			}
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			var event claudeStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue
			}
			switch event.Type {
			case "content_block_delta":
				if event.Delta.Text != "" {
					select {
					case out <- StreamChunk{Text: event.Delta.Text}:
					case <-ctx.Done():
						out <- StreamChunk{Err: ctx.Err()}
						return
					}
				}
			case "message_stop":
				out <- StreamChunk{Done: true}
				return
			case "error":
				out <- StreamChunk{Err: &MalformedResponseError{Provider: c.name, Reason: "error event mid-stream"}}
				return
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			out <- StreamChunk{Err: err}
			return
		}
		out <- StreamChunk{Err: &MalformedResponseError{Provider: c.name, Reason: "stream ended without message_stop"}}
	}()
	return out, nil
}

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

// OpenAIClient speaks the OpenAI chat-completions protocol. DeepSeek and Groq
// expose the same API, so one client covers all three via BaseURL.
type OpenAIClient struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAIClient creates a client for an OpenAI-compatible endpoint. The
// timeout bounds the connection and response-header wait; streaming reads are
// bounded by the request context instead.
func NewOpenAIClient(name, baseURL, apiKey, model string, timeout time.Duration) *OpenAIClient {
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: timeout},
		},
	}
}

type openAIRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	Stream      bool      `json:"stream,omitempty"`
}

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

type openAIStreamEvent struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func (c *OpenAIClient) post(ctx context.Context, req CompletionRequest, stream bool) (*http.Response, error) {
	body := openAIRequest{
		Model:       c.model,
		Messages:    req.Messages,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Stream:      stream,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		var errResp openAIResponse
		msg := resp.Status
		if derr := json.NewDecoder(resp.Body).Decode(&errResp); derr == nil && errResp.Error != nil {
			msg = errResp.Error.Message
		}
		return nil, &APIError{Provider: c.name, Status: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

// Complete implements ChatClient.
func (c *OpenAIClient) Complete(ctx context.Context, req CompletionRequest) (string, bool, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	var parsed openAIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, &MalformedResponseError{Provider: c.name, Reason: err.Error()}
	}
	if len(parsed.Choices) == 0 {
		return "", false, &MalformedResponseError{Provider: c.name, Reason: "empty choices"}
	}
	choice := parsed.Choices[0]
	return choice.Message.Content, choice.FinishReason == "length", nil
}

// Stream implements ChatClient using server-sent events. Chunks are emitted
// until the "[DONE]" marker or a transport failure.
func (c *OpenAIClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
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
			if data == "[DONE]" {
				out <- StreamChunk{Done: true}
				return
			}
			var event openAIStreamEvent
			if err := json.Unmarshal([]byte(data), &event); err != nil {
				continue // keep-alives and unknown events are skipped
			}
			if len(event.Choices) > 0 && event.Choices[0].Delta.Content != "" {
				select {
				case out <- StreamChunk{Text: event.Choices[0].Delta.Content}:
				case <-ctx.Done():
					out <- StreamChunk{Err: ctx.Err()}
					return
				}
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			out <- StreamChunk{Err: err}
			return
		}
		// Body ended without [DONE]; the stream was cut short.
		out <- StreamChunk{Err: &MalformedResponseError{Provider: c.name, Reason: "stream ended without end-of-stream marker"}}
	}()
	return out, nil
}

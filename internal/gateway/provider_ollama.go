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

// OllamaClient speaks the Ollama chat protocol, the local-inference fallback
// that needs no API key.
type OllamaClient struct {
	name       string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewOllamaClient creates a client for a local Ollama server.
func NewOllamaClient(name, baseURL, model string, timeout time.Duration) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: timeout},
		},
	}
}

type ollamaRequest struct {
	Model    string         `json:"model"`
	Messages []Message      `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
}

type ollamaResponse struct {
	Message struct {
		Content string `json:"content"`
	} `json:"message"`
	Done       bool   `json:"done"`
	DoneReason string `json:"done_reason"`
	Error      string `json:"error,omitempty"`
}

func (c *OllamaClient) post(ctx context.Context, req CompletionRequest, stream bool) (*http.Response, error) {
	body := ollamaRequest{
		Model:    c.model,
		Messages: req.Messages,
		Stream:   stream,
	}
	if req.Temperature > 0 {
		body.Options = map[string]any{"temperature": req.Temperature}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		defer resp.Body.Close()
		var errResp ollamaResponse
		msg := resp.Status
		if derr := json.NewDecoder(resp.Body).Decode(&errResp); derr == nil && errResp.Error != "" {
			msg = errResp.Error
		}
		return nil, &APIError{Provider: c.name, Status: resp.StatusCode, Message: msg}
	}
	return resp, nil
}

// Complete implements ChatClient.
func (c *OllamaClient) Complete(ctx context.Context, req CompletionRequest) (string, bool, error) {
	resp, err := c.post(ctx, req, false)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()

	var parsed ollamaResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", false, &MalformedResponseError{Provider: c.name, Reason: err.Error()}
	}
	if parsed.Error != "" {
		return "", false, &MalformedResponseError{Provider: c.name, Reason: parsed.Error}
	}
	return parsed.Message.Content, parsed.DoneReason == "length", nil
}

// Stream implements ChatClient. Ollama streams newline-delimited JSON objects
// with done=true on the final one.
func (c *OllamaClient) Stream(ctx context.Context, req CompletionRequest) (<-chan StreamChunk, error) {
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
			var event ollamaResponse
			if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
				continue
			}
			if event.Error != "" {
				out <- StreamChunk{Err: &MalformedResponseError{Provider: c.name, Reason: event.Error}}
				return
			}
			if event.Message.Content != "" {
				select {
				case out <- StreamChunk{Text: event.Message.Content}:
				case <-ctx.Done():
					out <- StreamChunk{Err: ctx.Err()}
					return
				}
			}
			if event.Done {
				out <- StreamChunk{Done: true}
				return
			}
		}
		if err := scanner.Err(); err != nil && err != io.EOF {
			out <- StreamChunk{Err: err}
			return
		}
		out <- StreamChunk{Err: &MalformedResponseError{Provider: c.name, Reason: "stream ended without done marker"}}
	}()
	return out, nil
}

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"
)

// Client talks to an OpenAI-compatible chat-completions endpoint. Up to two
// credentials may be configured; the secondary is tried when the endpoint
// rejects the primary. Credential rotation is orthogonal to model fallback,
// which the Orchestrator handles.
type Client struct {
	baseURL    string
	apiKeys    []string
	httpClient *http.Client
}

// NewClient builds a completion client. Empty keys are dropped.
func NewClient(baseURL string, keys []string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	filtered := make([]string, 0, len(keys))
	for _, k := range keys {
		if strings.TrimSpace(k) != "" {
			filtered = append(filtered, k)
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKeys:    filtered,
		httpClient: httpClient,
	}
}

type jsonCompletion struct {
	Content   string          `json:"content"`
	Reasoning string          `json:"reasoning"`
	Error     json.RawMessage `json:"error"`
	Usage     struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
		} `json:"message"`
	} `json:"choices"`
}

// Complete implements Completer over HTTP. Streamed responses are decoded
// incrementally; plain JSON responses are read whole. An explicit error field
// or empty content counts as failure so the caller can fall back.
func (c *Client) Complete(ctx context.Context, req CompletionRequest, onChunk func(string) error) (*CompletionResult, error) {
	if len(c.apiKeys) == 0 {
		return nil, errors.New("no api credentials configured")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	var lastErr error
	for i, key := range c.apiKeys {
		res, err := c.send(ctx, body, key, req.Stream, onChunk)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !errors.Is(err, errCredentialRejected) {
			return nil, err
		}
		if i+1 < len(c.apiKeys) {
			log.Warn().Str("model", req.Model).Msg("api credential rejected, trying secondary")
		}
	}
	return nil, lastErr
}

var errCredentialRejected = errors.New("credential rejected")

func (c *Client) send(ctx context.Context, body []byte, key string, stream bool, onChunk func(string) error) (*CompletionResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+key)
	if stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		io.Copy(io.Discard, resp.Body)
		return nil, errCredentialRejected
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("completion status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		decoded, err := DecodeStream(resp.Body, onChunk)
		if err != nil {
			return nil, err
		}
		return &CompletionResult{
			Content:     decoded.Content,
			Reasoning:   decoded.Reasoning,
			LessonSteps: decoded.LessonSteps,
		}, nil
	}

	var payload jsonCompletion
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode completion response: %w", err)
	}
	if len(payload.Error) > 0 && string(payload.Error) != "null" {
		return nil, fmt.Errorf("completion error: %s", errorMessage(payload.Error))
	}
	content := payload.Content
	reasoning := payload.Reasoning
	if content == "" && len(payload.Choices) > 0 {
		content = payload.Choices[0].Message.Content
		reasoning = payload.Choices[0].Message.Reasoning
	}
	if strings.TrimSpace(content) == "" {
		return nil, errors.New("empty completion content")
	}
	return &CompletionResult{
		Content:     content,
		Reasoning:   reasoning,
		TotalTokens: payload.Usage.TotalTokens,
	}, nil
}

// errorMessage digs a human-readable message out of an error payload that may
// be a bare string or an object with a message field.
func errorMessage(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

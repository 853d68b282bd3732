package llm

import (
	"context"

	"studychat/internal/models"
)

// ChatMessage is one entry of the outbound message list. Content is either a
// plain string or a []ContentPart when the final message carries attachments.
type ChatMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// ContentPart is one element of a multi-part message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

type ImageURL struct {
	URL string `json:"url"`
}

// CompletionRequest is the payload sent to the model-serving endpoint.
type CompletionRequest struct {
	Model       string        `json:"model"`
	Messages    []ChatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
	Stream      bool          `json:"stream"`
}

// CompletionResult is one model's successful answer, streamed or not.
type CompletionResult struct {
	Content     string
	Reasoning   string
	LessonSteps []models.LessonSection
	TotalTokens int
}

// Completer issues a single completion request against one model. When the
// request streams, decoded content fragments are forwarded to onChunk in
// arrival order. A non-nil error marks the candidate as failed; the
// orchestrator then advances along the fallback chain.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest, onChunk func(string) error) (*CompletionResult, error)
}

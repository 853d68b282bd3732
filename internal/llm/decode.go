package llm

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog/log"

	"studychat/internal/models"
)

// StreamResult is the final state of a decoded event stream.
type StreamResult struct {
	Content     string
	Reasoning   string
	LessonSteps []models.LessonSection
}

type streamRecord struct {
	Error       json.RawMessage        `json:"error"`
	Done        bool                   `json:"done"`
	FullContent string                 `json:"fullContent"`
	Reasoning   string                 `json:"reasoning"`
	LessonSteps []models.LessonSection `json:"lessonSteps"`
	Choices     []struct {
		Delta struct {
			Content   string `json:"content"`
			Reasoning string `json:"reasoning"`
		} `json:"delta"`
	} `json:"choices"`
}

const maxStreamLine = 1 << 20

// DecodeStream consumes a newline-delimited event stream. Only records with a
// "data: " prefix are significant; blank lines and ":" comments are keepalive
// framing. Content deltas are forwarded to onChunk in arrival order; reasoning
// deltas accumulate silently and surface only in the result. A literal [DONE]
// or a truthy done record terminates successfully, the latter optionally
// overriding the accumulated values with authoritative finals. Malformed JSON
// records are skipped, never fatal. An error record or a transport read
// failure terminates the candidate as failed.
func DecodeStream(r io.Reader, onChunk func(string) error) (*StreamResult, error) {
	var (
		content   strings.Builder
		reasoning strings.Builder
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxStreamLine)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, "data: ")
		if !ok {
			continue
		}
		if payload == "[DONE]" {
			return &StreamResult{
				Content:   content.String(),
				Reasoning: reasoning.String(),
			}, nil
		}

		var rec streamRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			log.Debug().Err(err).Msg("skipping malformed stream record")
			continue
		}
		if len(rec.Error) > 0 && string(rec.Error) != "null" {
			return nil, fmt.Errorf("stream error: %s", errorMessage(rec.Error))
		}
		if rec.Done {
			res := &StreamResult{
				Content:     content.String(),
				Reasoning:   reasoning.String(),
				LessonSteps: rec.LessonSteps,
			}
			// The server may send authoritative finals after the deltas.
			if rec.FullContent != "" {
				res.Content = rec.FullContent
			}
			if rec.Reasoning != "" {
				res.Reasoning = rec.Reasoning
			}
			return res, nil
		}
		if len(rec.Choices) == 0 {
			continue
		}
		delta := rec.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if onChunk != nil {
				if err := onChunk(delta.Content); err != nil {
					return nil, fmt.Errorf("deliver chunk: %w", err)
				}
			}
		}
		if delta.Reasoning != "" {
			reasoning.WriteString(delta.Reasoning)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}
	return nil, io.ErrUnexpectedEOF
}

package llm

import (
	"errors"
	"fmt"

	"studychat/internal/models"
)

const systemPrompt = "You are a helpful assistant. Answer clearly and " +
	"concisely, using markdown formatting where it improves readability. " +
	"When the user provides document context, ground your answer in it and " +
	"mention the page numbers you relied on."

const studySystemPrompt = "You are a patient tutor. Structure every answer " +
	"as a lesson with exactly five second-level markdown headings, in this " +
	"order: ## Understanding the Problem, ## Building Intuition, " +
	"## Brute-Force Approach, ## Optimized Solution, ## Test Your " +
	"Understanding. Keep each section self-contained and end with a short " +
	"quiz question."

// maxPageImages caps how many document page previews ride along with a
// request; the remainder is summarized in a text note.
const maxPageImages = 5

// Attachment is the augmentation data injected into the final user message.
type Attachment struct {
	Image      string
	PageImages []string
	DocText    string
	DocName    string
}

func (a Attachment) empty() bool {
	return a.Image == "" && len(a.PageImages) == 0 && a.DocText == ""
}

// BuildMessages converts conversation history into the outbound message list.
// Attachments apply to the final message only, which must be user-authored;
// violating that is rejected here, before any network attempt.
func BuildMessages(history []*models.Message, att Attachment, studyMode bool) ([]ChatMessage, error) {
	if len(history) == 0 {
		return nil, errors.New("conversation is empty")
	}
	last := history[len(history)-1]
	if last.Role != models.RoleUser {
		return nil, fmt.Errorf("final message must be user-authored, got %q", last.Role)
	}

	prompt := systemPrompt
	if studyMode {
		prompt = studySystemPrompt
	}
	out := make([]ChatMessage, 0, len(history)+1)
	out = append(out, ChatMessage{Role: string(models.RoleSystem), Content: prompt})

	for _, msg := range history[:len(history)-1] {
		out = append(out, ChatMessage{Role: string(msg.Role), Content: msg.Content})
	}

	text := last.Content
	if att.DocText != "" {
		text = fmt.Sprintf("[File: %s]\n%s\n[End of file content]\n\n%s", att.DocName, att.DocText, last.Content)
	}
	if att.empty() || (att.Image == "" && len(att.PageImages) == 0) {
		out = append(out, ChatMessage{Role: string(models.RoleUser), Content: text})
		return out, nil
	}

	parts := []ContentPart{{Type: "text", Text: text}}
	if att.Image != "" {
		parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: att.Image}})
	}
	pages := att.PageImages
	omitted := 0
	if len(pages) > maxPageImages {
		omitted = len(pages) - maxPageImages
		pages = pages[:maxPageImages]
	}
	for _, img := range pages {
		parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: img}})
	}
	if omitted > 0 {
		parts = append(parts, ContentPart{
			Type: "text",
			Text: fmt.Sprintf("(%d additional document pages omitted)", omitted),
		})
	}
	out = append(out, ChatMessage{Role: string(models.RoleUser), Content: parts})
	return out, nil
}

package models

import "time"

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Message is one turn of a conversation. Image carries a single data-URI
// attachment, Images the ordered page previews of an uploaded document.
// Reasoning holds auxiliary "thinking" text surfaced separately from Content.
type Message struct {
	ID          int64           `json:"id"`
	UserID      int64           `json:"user_id"`
	SessionID   int64           `json:"session_id"`
	Role        Role            `json:"role"`
	Content     string          `json:"content"`
	Image       string          `json:"image,omitempty"`
	Images      []string        `json:"images,omitempty"`
	Reasoning   string          `json:"reasoning,omitempty"`
	LessonSteps []LessonSection `json:"lesson_steps,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

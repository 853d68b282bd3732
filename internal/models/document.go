package models

import "time"

// Document is an uploaded file attached to a session. Extracted page text and
// page preview images live alongside the stored file until the record expires
// or the session uploads a replacement.
type Document struct {
	ID         int64     `json:"id"`
	UserID     int64     `json:"user_id"`
	SessionID  int64     `json:"session_id"`
	FileName   string    `json:"file_name"`
	StoredPath string    `json:"stored_path"`
	MimeType   string    `json:"mime_type"`
	Size       int64     `json:"size"`
	Status     string    `json:"status"`
	PageCount  int       `json:"page_count"`
	TextChars  int       `json:"text_chars"`
	ImageOnly  bool      `json:"image_only"`
	PageImages []string  `json:"page_images,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

package models

import "time"

// SharedChat is a public snapshot of a conversation keyed by an opaque id.
// Views counts reads; updates are last-write-wins.
type SharedChat struct {
	ID        string     `json:"id"`
	ChatName  string     `json:"chat_name"`
	Messages  []*Message `json:"messages"`
	Views     int64      `json:"views"`
	CreatedAt time.Time  `json:"created_at"`
}

package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"studychat/internal/models"
)

// CreateShare snapshots a conversation under a fresh opaque id. The messages
// are serialized at creation time, so later edits to the session never leak
// into the share.
func (s *Service) CreateShare(ctx context.Context, chatName string, messages []*models.Message) (*models.SharedChat, error) {
	chatName = strings.TrimSpace(chatName)
	if chatName == "" {
		chatName = "Shared Conversation"
	}
	if len(messages) == 0 {
		return nil, errors.New("nothing to share")
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return nil, fmt.Errorf("encode share messages: %w", err)
	}
	share := &models.SharedChat{
		ID:        uuid.NewString(),
		ChatName:  chatName,
		Messages:  messages,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO shared_chats (id, chat_name, messages, views, created_at) VALUES (?, ?, ?, 0, ?)`,
		share.ID, share.ChatName, string(data), share.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("create share: %w", err)
	}
	return share, nil
}

// UpdateShare replaces an existing share's name and snapshot. Concurrent
// writers race benignly: last write wins.
func (s *Service) UpdateShare(ctx context.Context, id, chatName string, messages []*models.Message) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("share id required")
	}
	data, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("encode share messages: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE shared_chats SET chat_name = ?, messages = ? WHERE id = ?`,
		strings.TrimSpace(chatName), string(data), id,
	)
	if err != nil {
		return fmt.Errorf("update share: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// GetShare returns the snapshot and bumps its view counter. The increment is
// a single UPDATE, so concurrent readers never lose counts.
func (s *Service) GetShare(ctx context.Context, id string) (*models.SharedChat, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("share id required")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE shared_chats SET views = views + 1 WHERE id = ?`, id)
	if err != nil {
		return nil, fmt.Errorf("count view: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, sql.ErrNoRows
	}

	var share models.SharedChat
	var messagesJSON string
	err = s.db.QueryRowContext(ctx,
		`SELECT id, chat_name, messages, views, created_at FROM shared_chats WHERE id = ?`, id,
	).Scan(&share.ID, &share.ChatName, &messagesJSON, &share.Views, &share.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("get share: %w", err)
	}
	if err := json.Unmarshal([]byte(messagesJSON), &share.Messages); err != nil {
		return nil, fmt.Errorf("decode share messages: %w", err)
	}
	return &share, nil
}

// DeleteShare removes a shared snapshot.
func (s *Service) DeleteShare(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.New("share id required")
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM shared_chats WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete share: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

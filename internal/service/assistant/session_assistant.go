package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"studychat/internal/models"
)

const titleMaxRunes = 60

// TitleForContent derives a session title from the first user message: the
// first line, truncated to 60 runes. Deterministic so titling never costs a
// completion attempt.
func TitleForContent(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return "New Conversation"
	}
	if idx := strings.IndexAny(content, "\r\n"); idx >= 0 {
		content = strings.TrimSpace(content[:idx])
	}
	runes := []rune(content)
	if len(runes) > titleMaxRunes {
		return string(runes[:titleMaxRunes])
	}
	return content
}

// CreateSession inserts a new session for the given user and returns the record.
func (s *Service) CreateSession(ctx context.Context, userID int64, title, model string) (*models.Session, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if title == "" {
		title = "New Conversation"
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (user_id, title, model, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		userID, title, model, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("session id: %w", err)
	}
	return &models.Session{ID: id, UserID: userID, Title: title, Model: model, CreatedAt: now, UpdatedAt: now}, nil
}

// ListSessions returns all sessions for a user ordered by last activity.
func (s *Service) ListSessions(ctx context.Context, userID int64) ([]models.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, title, model, created_at, updated_at FROM sessions WHERE user_id = ? ORDER BY updated_at DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var se models.Session
		if err := rows.Scan(&se.ID, &se.UserID, &se.Title, &se.Model, &se.CreatedAt, &se.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, se)
	}
	return sessions, rows.Err()
}

// GetSessionWithMessages returns one session and its ordered messages.
func (s *Service) GetSessionWithMessages(ctx context.Context, userID, sessionID int64) (*models.Session, []*models.Message, error) {
	var session models.Session
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, model, created_at, updated_at FROM sessions WHERE id = ? AND user_id = ?`,
		sessionID,
		userID,
	).Scan(&session.ID, &session.UserID, &session.Title, &session.Model, &session.CreatedAt, &session.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("get session: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, session_id, role, content, image, images, reasoning, lesson_steps, created_at
		 FROM messages WHERE session_id = ? ORDER BY created_at ASC, id ASC`,
		sessionID,
	)
	if err != nil {
		return &session, nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return &session, nil, err
		}
		messages = append(messages, m)
	}
	return &session, messages, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*models.Message, error) {
	m := new(models.Message)
	var imagesJSON, stepsJSON string
	if err := row.Scan(&m.ID, &m.UserID, &m.SessionID, &m.Role, &m.Content,
		&m.Image, &imagesJSON, &m.Reasoning, &stepsJSON, &m.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if imagesJSON != "" {
		if err := json.Unmarshal([]byte(imagesJSON), &m.Images); err != nil {
			return nil, fmt.Errorf("decode message images: %w", err)
		}
	}
	if stepsJSON != "" {
		if err := json.Unmarshal([]byte(stepsJSON), &m.LessonSteps); err != nil {
			return nil, fmt.Errorf("decode lesson steps: %w", err)
		}
	}
	return m, nil
}

func encodeJSONColumn(v interface{}, empty bool) (string, error) {
	if empty {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode column: %w", err)
	}
	return string(data), nil
}

// AddMessage stores a new message and touches the session's updated_at.
func (s *Service) AddMessage(ctx context.Context, msg models.Message) (*models.Message, error) {
	if msg.SessionID <= 0 {
		return nil, errors.New("session_id is required")
	}
	imagesJSON, err := encodeJSONColumn(msg.Images, len(msg.Images) == 0)
	if err != nil {
		return nil, err
	}
	stepsJSON, err := encodeJSONColumn(msg.LessonSteps, len(msg.LessonSteps) == 0)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (user_id, session_id, role, content, image, images, reasoning, lesson_steps, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.UserID, msg.SessionID, msg.Role, msg.Content, msg.Image, imagesJSON, msg.Reasoning, stepsJSON, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("message id: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE sessions SET updated_at = ? WHERE id = ?`, now, msg.SessionID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}
	msg.ID = id
	msg.CreatedAt = now
	return &msg, nil
}

// AppendMessageToSession persists a message for an existing session/user pair.
func (s *Service) AppendMessageToSession(ctx context.Context, userID, sessionID int64, msg models.Message) (*models.Message, error) {
	if userID <= 0 {
		return nil, errors.New("user_id is required")
	}
	if sessionID <= 0 {
		return nil, errors.New("session_id is required")
	}
	if strings.TrimSpace(msg.Content) == "" && msg.Image == "" && len(msg.Images) == 0 {
		return nil, errors.New("content cannot be empty")
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM sessions WHERE id = ? AND user_id = ?)`,
		sessionID, userID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("verify session: %w", err)
	}
	if !exists {
		return nil, errors.New("session not found")
	}

	msg.UserID = userID
	msg.SessionID = sessionID
	return s.AddMessage(ctx, msg)
}

// EditMessage rewrites a user message's content and deletes everything the
// session said after it, so the next completion regenerates from the edit
// point. Only the owning user's messages can be edited.
func (s *Service) EditMessage(ctx context.Context, userID, sessionID, messageID int64, content string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return errors.New("content cannot be empty")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var createdAt time.Time
	var role models.Role
	err = tx.QueryRowContext(ctx,
		`SELECT role, created_at FROM messages WHERE id = ? AND session_id = ? AND user_id = ?`,
		messageID, sessionID, userID,
	).Scan(&role, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return sql.ErrNoRows
		}
		return fmt.Errorf("find message: %w", err)
	}
	if role != models.RoleUser {
		return errors.New("only user messages can be edited")
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET content = ? WHERE id = ?`, content, messageID,
	); err != nil {
		return fmt.Errorf("update message: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND (created_at > ? OR (created_at = ? AND id > ?))`,
		sessionID, createdAt, createdAt, messageID,
	); err != nil {
		return fmt.Errorf("truncate messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE sessions SET updated_at = ? WHERE id = ?`, time.Now().UTC(), sessionID,
	); err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return tx.Commit()
}

// TruncateAfterLastUserMessage drops trailing assistant turns so a regenerate
// request replays from the latest user message, which it returns.
func (s *Service) TruncateAfterLastUserMessage(ctx context.Context, userID, sessionID int64) (*models.Message, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_id, role, content, image, images, reasoning, lesson_steps, created_at
		 FROM messages WHERE session_id = ? AND user_id = ? AND role = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		sessionID, userID, models.RoleUser,
	)
	last, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, err
	}
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE session_id = ? AND (created_at > ? OR (created_at = ? AND id > ?))`,
		sessionID, last.CreatedAt, last.CreatedAt, last.ID,
	); err != nil {
		return nil, fmt.Errorf("truncate messages: %w", err)
	}
	return last, nil
}

// DeleteSession removes a session and all related messages for the user.
func (s *Service) DeleteSession(ctx context.Context, userID, sessionID int64) error {
	if sessionID <= 0 {
		return errors.New("invalid session id")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ? AND user_id = ?`, sessionID, userID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("delete documents: %w", err)
	}
	return tx.Commit()
}

// UpdateSessionTitle sets a session title for the specified user.
func (s *Service) UpdateSessionTitle(ctx context.Context, userID, sessionID int64, title string) error {
	if sessionID <= 0 {
		return errors.New("invalid session id")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return errors.New("title cannot be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET title = ? WHERE id = ? AND user_id = ?`,
		title, sessionID, userID,
	)
	if err != nil {
		return fmt.Errorf("update session title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("session rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

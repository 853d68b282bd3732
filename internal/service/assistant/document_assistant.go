package assistant

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"studychat/internal/models"
)

const (
	DefaultDocumentTTL             = 24 * time.Hour
	DefaultDocumentCleanupInterval = time.Hour

	documentStatusActive   = "active"
	documentStatusReplaced = "replaced"
)

// RecordDocument persists an uploaded document's metadata and extraction
// summary. Any previously active document for the session is marked replaced:
// a session carries at most one live document at a time.
func (s *Service) RecordDocument(ctx context.Context, doc *models.Document, ttl time.Duration) (int64, error) {
	if doc == nil {
		return 0, errors.New("document required")
	}
	if doc.UserID <= 0 || doc.SessionID <= 0 {
		return 0, errors.New("user and session required")
	}
	if ttl <= 0 {
		ttl = DefaultDocumentTTL
	}
	pageImagesJSON, err := encodeJSONColumn(doc.PageImages, len(doc.PageImages) == 0)
	if err != nil {
		return 0, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET status = ? WHERE session_id = ? AND status = ?`,
		documentStatusReplaced, doc.SessionID, documentStatusActive,
	); err != nil {
		return 0, fmt.Errorf("replace previous document: %w", err)
	}

	now := time.Now().UTC()
	doc.Status = documentStatusActive
	doc.CreatedAt = now
	doc.ExpiresAt = now.Add(ttl)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO documents (user_id, session_id, file_name, stored_path, mime_type, size, status,
			page_count, text_chars, image_only, page_images, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.UserID, doc.SessionID, doc.FileName, doc.StoredPath, doc.MimeType, doc.Size, doc.Status,
		doc.PageCount, doc.TextChars, doc.ImageOnly, pageImagesJSON, doc.CreatedAt, doc.ExpiresAt,
	)
	if err != nil {
		return 0, fmt.Errorf("record document: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("document id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit document: %w", err)
	}
	doc.ID = id
	return id, nil
}

// ActiveDocument returns the session's live document, or sql.ErrNoRows.
func (s *Service) ActiveDocument(ctx context.Context, userID, sessionID int64) (*models.Document, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, session_id, file_name, stored_path, mime_type, size, status,
			page_count, text_chars, image_only, page_images, created_at, expires_at
		 FROM documents
		 WHERE session_id = ? AND user_id = ? AND status = ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		sessionID, userID, documentStatusActive,
	)
	var doc models.Document
	var pageImagesJSON string
	err := row.Scan(&doc.ID, &doc.UserID, &doc.SessionID, &doc.FileName, &doc.StoredPath,
		&doc.MimeType, &doc.Size, &doc.Status, &doc.PageCount, &doc.TextChars,
		&doc.ImageOnly, &pageImagesJSON, &doc.CreatedAt, &doc.ExpiresAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sql.ErrNoRows
		}
		return nil, fmt.Errorf("query document: %w", err)
	}
	if pageImagesJSON != "" {
		if err := json.Unmarshal([]byte(pageImagesJSON), &doc.PageImages); err != nil {
			return nil, fmt.Errorf("decode page images: %w", err)
		}
	}
	return &doc, nil
}

// DocumentStorageUsage sums the stored bytes of a user's live documents.
func (s *Service) DocumentStorageUsage(ctx context.Context, userID int64) (int64, error) {
	var usage sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT SUM(size) FROM documents WHERE user_id = ? AND status = ?`,
		userID, documentStatusActive,
	).Scan(&usage)
	if err != nil {
		return 0, fmt.Errorf("storage usage: %w", err)
	}
	return usage.Int64, nil
}

// StartDocumentCleaner launches the background loop that removes expired
// document files and records.
func (s *Service) StartDocumentCleaner(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultDocumentCleanupInterval
	}
	go s.cleanupLoop(ctx, interval)
}

func (s *Service) cleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.cleanupExpiredDocuments(ctx); err != nil {
				log.Warn().Err(err).Msg("document cleanup failed")
			}
		}
	}
}

func (s *Service) cleanupExpiredDocuments(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, stored_path FROM documents WHERE expires_at <= ? OR status = ?`,
		time.Now().UTC(), documentStatusReplaced,
	)
	if err != nil {
		return err
	}
	defer rows.Close()

	type docRow struct {
		id   int64
		path string
	}
	var docs []docRow
	for rows.Next() {
		var dr docRow
		if err := rows.Scan(&dr.id, &dr.path); err != nil {
			return err
		}
		docs = append(docs, dr)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, d := range docs {
		if d.path != "" {
			if err := os.Remove(d.path); err != nil && !os.IsNotExist(err) {
				log.Warn().Err(err).Str("path", d.path).Msg("remove document file failed")
				continue
			}
			// prune empty directories
			_ = os.Remove(filepath.Dir(d.path))
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, d.id); err != nil {
			log.Warn().Err(err).Int64("document_id", d.id).Msg("delete document record failed")
		}
	}
	return nil
}

package api

import (
	"context"
	"database/sql"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"studychat/internal/auth"
	"studychat/internal/document"
	"studychat/internal/llm"
	"studychat/internal/models"
	"studychat/internal/service/assistant"
	"studychat/internal/worker"
)

// WorkerManager is the chat execution surface the handlers drive.
type WorkerManager interface {
	Chat(worker.ChatRequest) (*worker.ChatResult, error)
	CacheChunks(userID, sessionID int64, chunks []document.Chunk)
	Purge(userID, sessionID int64)
	ResetUser(userID int64)
}

// Handler wires HTTP routes to the assistant service and per-user chat workers.
type Handler struct {
	assistant   *assistant.Service
	auth        *auth.Service
	workers     WorkerManager
	fileBase    string
	fileTTL     time.Duration
	retrieval   worker.RetrievalConfig
	chatTimeout time.Duration
}

// NewHandler constructs a Handler instance.
func NewHandler(service *assistant.Service, authService *auth.Service, workers WorkerManager, fileBase string, fileTTL time.Duration, retrieval worker.RetrievalConfig) *Handler {
	return &Handler{
		assistant:   service,
		auth:        authService,
		workers:     workers,
		fileBase:    fileBase,
		fileTTL:     fileTTL,
		retrieval:   retrieval,
		chatTimeout: 5 * time.Minute,
	}
}

// check token userID is match with param userID
func (h *Handler) requirePathUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, ok := auth.UserIDFromContext(c)
		if !ok || userID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
			return
		}
		paramID, err := strconv.ParseInt(c.Param("id"), 10, 64)
		if err != nil || paramID <= 0 {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
			return
		}
		if paramID != userID {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "user mismatch"})
			return
		}
		c.Next()
	}
}

func (h *Handler) authorizedUserID(c *gin.Context) (int64, bool) {
	userID, ok := auth.UserIDFromContext(c)
	if !ok || userID <= 0 {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authorization required"})
		return 0, false
	}
	return userID, true
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/users/register", h.registerUser)
	api.POST("/users/login", h.loginUser)
	api.GET("/shares/:share_id", h.getShare)

	authMW := h.auth.Middleware()
	userRoutes := api.Group("/users/:id")
	userRoutes.Use(authMW, h.requirePathUser(), h.auth.CSRFMiddleware())
	userRoutes.POST("/conversation/session-list", h.getSessionList)
	userRoutes.POST("/conversation/start", h.startConversation)
	userRoutes.DELETE("/conversation/sessions/:session_id", h.deleteSession)
	userRoutes.GET("/conversation/sessions/:session_id/messages", h.getSessionMessages)
	userRoutes.POST("/conversation/msg", h.chat)
	userRoutes.POST("/conversation/messages/:message_id/edit", h.editMessage)
	userRoutes.POST("/conversation/regenerate", h.regenerate)
	userRoutes.POST("/uploads", h.uploadDocument)
	userRoutes.POST("/shares", h.createShare)
	userRoutes.PUT("/shares/:share_id", h.updateShare)
	userRoutes.DELETE("/shares/:share_id", h.deleteShare)
	userRoutes.POST("/logout", h.logoutUser)
	userRoutes.DELETE("", h.deleteUser)
}

// User create&login interface
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (h *Handler) registerUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.RegisterUser(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
	})
}

func (h *Handler) loginUser(c *gin.Context) {
	var req credentialsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	user, err := h.assistant.Login(c.Request.Context(), req.Username, req.Password)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	authToken, err := h.auth.IssueToken(c.Request.Context(), user.ID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	csrfToken, err := h.auth.NewCSRFToken()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "issue token failed"})
		return
	}
	h.setAuthCookies(c, authToken, csrfToken)
	c.JSON(http.StatusOK, gin.H{
		"id":         user.ID,
		"username":   user.Username,
		"created_at": user.CreatedAt,
		"auth_token": authToken,
	})
}

func (h *Handler) logoutUser(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	h.workers.ResetUser(userID)
	if authToken, ok := auth.AuthTokenFromContext(c); ok {
		_ = h.auth.RevokeToken(c.Request.Context(), authToken)
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) deleteUser(c *gin.Context) {
	id, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := h.auth.RevokeUserTokens(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	h.workers.ResetUser(id)
	if err := h.assistant.DeleteUser(c.Request.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.clearAuthCookies(c)
	c.Status(http.StatusNoContent)
}

func (h *Handler) getSessionList(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	seList, err := h.assistant.ListSessions(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(seList) == 0 {
		seList = make([]models.Session, 0)
	}
	c.JSON(http.StatusOK, gin.H{"session_list": seList})
}

func (h *Handler) startConversation(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		Model string `json:"model"`
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}
	session, err := h.assistant.CreateSession(c.Request.Context(), userID, strings.TrimSpace(req.Title), model)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"sessionId": session.ID,
		"userId":    session.UserID,
		"title":     session.Title,
		"model":     session.Model,
		"createdAt": session.CreatedAt,
		"updatedAt": session.UpdatedAt,
	})
}

func (h *Handler) deleteSession(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID, err := strconv.ParseInt(c.Param("session_id"), 10, 64)
	if err != nil || sessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	if err := h.assistant.DeleteSession(c.Request.Context(), userID, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.workers.Purge(userID, sessionID)
	c.Status(http.StatusNoContent)
}

func (h *Handler) getSessionMessages(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	sessionID, err := strconv.ParseInt(c.Param("session_id"), 10, 64)
	if err != nil || sessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}
	session, messages, err := h.assistant.GetSessionWithMessages(c.Request.Context(), userID, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if len(messages) == 0 {
		messages = make([]*models.Message, 0)
	}
	c.JSON(http.StatusOK, gin.H{
		"session":  session,
		"messages": messages,
	})
}

// User input interface
type chatRequest struct {
	SessionID int64  `json:"session_id"`
	Content   string `json:"content"`
	Model     string `json:"model"`
	StudyMode bool   `json:"study_mode"`
	Image     string `json:"image"`
}

func (h *Handler) chat(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}
	message, err := h.assistant.AppendMessageToSession(c.Request.Context(), userID, req.SessionID, models.Message{
		Role:    models.RoleUser,
		Content: req.Content,
		Image:   req.Image,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.streamReply(c, userID, req.SessionID, req.Model, req.StudyMode, message)
}

// editMessage rewrites a user message and drops everything after it. The
// client follows up with a regenerate call to get the new reply.
func (h *Handler) editMessage(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	messageID, err := strconv.ParseInt(c.Param("message_id"), 10, 64)
	if err != nil || messageID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message id"})
		return
	}
	var req struct {
		SessionID int64  `json:"session_id"`
		Content   string `json:"content"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	if err := h.assistant.EditMessage(c.Request.Context(), userID, req.SessionID, messageID, req.Content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	// cached history is stale past the edit point
	h.workers.Purge(userID, req.SessionID)
	c.Status(http.StatusNoContent)
}

// regenerate truncates trailing assistant turns and streams a fresh reply to
// the session's last user message.
func (h *Handler) regenerate(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		SessionID int64  `json:"session_id"`
		Model     string `json:"model"`
		StudyMode bool   `json:"study_mode"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	if strings.TrimSpace(req.Model) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model is required"})
		return
	}
	last, err := h.assistant.TruncateAfterLastUserMessage(c.Request.Context(), userID, req.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "no user message to regenerate from"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	h.workers.Purge(userID, req.SessionID)
	h.streamReply(c, userID, req.SessionID, req.Model, req.StudyMode, last)
}

// streamReply runs one chat turn over SSE: ack with the anchoring user
// message, status per fallback attempt, stream per content delta, then done
// or error.
func (h *Handler) streamReply(c *gin.Context, userID, sessionID int64, model string, studyMode bool, message *models.Message) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}
	streamCtx, cancel := context.WithTimeout(c.Request.Context(), h.chatTimeout)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	sendEvent := func(event string, payload interface{}) error {
		var data []byte
		switch v := payload.(type) {
		case string:
			data = []byte(v)
		default:
			var err error
			data, err = json.Marshal(v)
			if err != nil {
				return err
			}
		}
		if event != "" {
			if _, err := fmt.Fprintf(c.Writer, "event: %s\n", event); err != nil {
				return err
			}
		}
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := sendEvent("ack", gin.H{"message": message}); err != nil {
		return
	}

	result, err := h.workers.Chat(worker.ChatRequest{
		Context:   streamCtx,
		UserID:    userID,
		SessionID: sessionID,
		Model:     model,
		StudyMode: studyMode,
		Message:   message,
		OnChunk: func(chunk string) error {
			return sendEvent("stream", gin.H{"content": chunk})
		},
		OnStatus: func(status llm.RetryStatus) {
			_ = sendEvent("status", status)
		},
	})
	if err != nil {
		payload := gin.H{"message": err.Error()}
		switch {
		case errors.Is(err, worker.ErrWorkerBusy):
			payload["message"] = "server is busy, please retry"
		case errors.Is(err, worker.ErrAllModelsFailed):
			payload["message"] = "all models are currently unavailable"
			if result != nil {
				payload["failures"] = failureList(result.Failures)
			}
		}
		_ = sendEvent("error", payload)
		return
	}

	payload := gin.H{
		"ai_message":    result.Message,
		"used_model":    result.UsedModel,
		"fallback_used": result.FallbackUsed,
	}
	if result.Title != "" {
		payload["title"] = result.Title
	}
	if len(result.Pages) > 0 {
		payload["pages"] = result.Pages
	}
	_ = sendEvent("done", payload)
}

func failureList(failures []llm.AttemptFailure) []gin.H {
	out := make([]gin.H, 0, len(failures))
	for _, f := range failures {
		msg := ""
		if f.Err != nil {
			msg = f.Err.Error()
		}
		out = append(out, gin.H{"model": f.Model, "error": msg})
	}
	return out
}

// Shares

func (h *Handler) createShare(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	var req struct {
		SessionID int64  `json:"session_id"`
		ChatName  string `json:"chat_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	session, messages, err := h.assistant.GetSessionWithMessages(c.Request.Context(), userID, req.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.ChatName)
	if name == "" {
		name = session.Title
	}
	share, err := h.assistant.CreateShare(c.Request.Context(), name, messages)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":         share.ID,
		"chat_name":  share.ChatName,
		"created_at": share.CreatedAt,
	})
}

// updateShare refreshes a published snapshot with the session's current
// messages. Last writer wins.
func (h *Handler) updateShare(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	shareID := c.Param("share_id")
	var req struct {
		SessionID int64  `json:"session_id"`
		ChatName  string `json:"chat_name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.SessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session_id is required"})
		return
	}
	session, messages, err := h.assistant.GetSessionWithMessages(c.Request.Context(), userID, req.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	name := strings.TrimSpace(req.ChatName)
	if name == "" {
		name = session.Title
	}
	if err := h.assistant.UpdateShare(c.Request.Context(), shareID, name, messages); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "share not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) getShare(c *gin.Context) {
	shareID := c.Param("share_id")
	share, err := h.assistant.GetShare(c.Request.Context(), shareID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "share not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, share)
}

func (h *Handler) deleteShare(c *gin.Context) {
	if _, ok := h.authorizedUserID(c); !ok {
		return
	}
	if err := h.assistant.DeleteShare(c.Request.Context(), c.Param("share_id")); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "share not found"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// Document upload

const (
	maxUploadBytes   = 10 << 20 // 10 MB
	userStorageLimit = 50 << 20 // 50 MB per user
	maxPageImages    = 40
)

var allowedContentTypes = []string{
	"text/plain",
	"text/markdown",
	"text/csv",
	"application/pdf",
	"application/json",
	"application/zip", // docx and xlsx sniff as zip archives
	"application/msword",
	"application/vnd.openxmlformats-officedocument",
	"application/octet-stream",
	"image/",
}

func isAllowedContentType(ct string) bool {
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

func (h *Handler) uploadDocument(c *gin.Context) {
	userID, ok := h.authorizedUserID(c)
	if !ok {
		return
	}
	if err := c.Request.ParseMultipartForm(maxUploadBytes); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
		return
	}
	sessionID, err := strconv.ParseInt(c.PostForm("session_id"), 10, 64)
	if err != nil || sessionID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session_id"})
		return
	}
	if _, _, err := h.assistant.GetSessionWithMessages(c.Request.Context(), userID, sessionID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}
	usage, err := h.assistant.DocumentStorageUsage(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "calculate usage failed"})
		return
	}
	if usage+file.Size > userStorageLimit {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "storage quota exceeded"})
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "open file failed"})
		return
	}
	buf := make([]byte, 512)
	n, _ := f.Read(buf)
	_ = f.Close()
	contentType := http.DetectContentType(buf[:n])
	if !isAllowedContentType(contentType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}

	filename := filepath.Base(file.Filename)
	isImage := strings.HasPrefix(contentType, "image/")
	if !isImage && !document.Supported(filename) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}

	pageImages := c.PostFormArray("page_images")
	if len(pageImages) > maxPageImages {
		pageImages = pageImages[:maxPageImages]
	}

	destDir, destPath, finalName := h.getUniqueFilePath(userID, sessionID, filename)
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create directory failed"})
		return
	}
	if err := c.SaveUploadedFile(file, destPath); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}

	doc := &models.Document{
		UserID:     userID,
		SessionID:  sessionID,
		FileName:   finalName,
		StoredPath: destPath,
		MimeType:   contentType,
		Size:       file.Size,
		PageImages: pageImages,
	}

	var chunkCount int
	if isImage {
		doc.ImageOnly = true
		if len(doc.PageImages) == 0 {
			// the uploaded image itself serves as the single page preview
			if uri := dataURI(contentType, file); uri != "" {
				doc.PageImages = []string{uri}
			}
		}
		doc.PageCount = len(doc.PageImages)
		h.workers.CacheChunks(userID, sessionID, nil)
	} else {
		extraction, extractErr := document.Extract(destPath, finalName)
		switch {
		case extractErr == nil && !extraction.Sparse():
			doc.PageCount = len(extraction.Pages)
			doc.TextChars = extraction.TextChars()
			chunks := document.ChunkPages(extraction.Pages, h.retrieval.ChunkSize, h.retrieval.ChunkOverlap)
			chunkCount = len(chunks)
			h.workers.CacheChunks(userID, sessionID, chunks)
		case len(pageImages) > 0:
			// no usable text, but the client sent page previews
			doc.ImageOnly = true
			doc.PageCount = len(pageImages)
			if extractErr == nil {
				doc.TextChars = extraction.TextChars()
			}
			h.workers.CacheChunks(userID, sessionID, nil)
		default:
			_ = os.Remove(destPath)
			msg := "could not extract text from document"
			if errors.Is(extractErr, document.ErrUnsupportedType) {
				msg = "unsupported file type"
			}
			log.Warn().Err(extractErr).Str("file", finalName).Msg("document extraction failed")
			c.JSON(http.StatusBadRequest, gin.H{"error": msg})
			return
		}
	}

	docID, err := h.assistant.RecordDocument(c.Request.Context(), doc, h.fileTTL)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "record document failed"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"document_id": docID,
		"file_name":   finalName,
		"size":        file.Size,
		"mime":        contentType,
		"page_count":  doc.PageCount,
		"text_chars":  doc.TextChars,
		"image_only":  doc.ImageOnly,
		"chunks":      chunkCount,
		"used":        usage + file.Size,
		"limit":       userStorageLimit,
	})
}

// dataURI re-reads the uploaded image into a data URI usable as an inline
// attachment part.
func dataURI(contentType string, fh *multipart.FileHeader) string {
	f, err := fh.Open()
	if err != nil {
		return ""
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxUploadBytes))
	if err != nil {
		return ""
	}
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}

func (h *Handler) getFilePath(userID, sessionID int64, filename string) (string, string) {
	destDir := filepath.Join(h.fileBase, strconv.FormatInt(userID, 10), strconv.FormatInt(sessionID, 10))
	destPath := filepath.Join(destDir, filename)
	return destDir, destPath
}

func (h *Handler) getUniqueFilePath(userID, sessionID int64, filename string) (string, string, string) {
	destDir, destPath := h.getFilePath(userID, sessionID, filename)
	if _, err := os.Stat(destPath); os.IsNotExist(err) {
		return destDir, destPath, filename
	}
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)
	for idx := 1; idx <= 1000; idx++ {
		candidate := fmt.Sprintf("%s (%d)%s", base, idx, ext)
		dir, path := h.getFilePath(userID, sessionID, candidate)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return dir, path, candidate
		}
	}
	fallback := fmt.Sprintf("%s-%d%s", base, time.Now().UnixNano(), ext)
	return destDir, filepath.Join(destDir, fallback), fallback
}

func (h *Handler) setAuthCookies(c *gin.Context, authToken, csrfToken string) {
	ttl := int(h.auth.TokenTTL().Seconds())
	if ttl <= 0 {
		ttl = 3600
	}
	secure := gin.Mode() == gin.ReleaseMode
	setCookie(c, &http.Cookie{
		Name:     h.auth.AuthCookieName(),
		Value:    authToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	setCookie(c, &http.Cookie{
		Name:     h.auth.CSRFCookieName(),
		Value:    csrfToken,
		MaxAge:   ttl,
		Path:     "/",
		Secure:   secure,
		HttpOnly: false,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearAuthCookies(c *gin.Context) {
	for _, name := range []string{h.auth.AuthCookieName(), h.auth.CSRFCookieName()} {
		setCookie(c, &http.Cookie{
			Name:     name,
			Value:    "",
			MaxAge:   -1,
			Path:     "/",
			Secure:   gin.Mode() == gin.ReleaseMode,
			HttpOnly: name == h.auth.AuthCookieName(),
			SameSite: http.SameSiteStrictMode,
		})
	}
}

func setCookie(c *gin.Context, ck *http.Cookie) {
	if ck == nil {
		return
	}
	http.SetCookie(c.Writer, ck)
}

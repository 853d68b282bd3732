package api

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"studychat/internal/auth"
	"studychat/internal/document"
	"studychat/internal/llm"
	"studychat/internal/models"
	"studychat/internal/service/assistant"
	"studychat/internal/storage"
	"studychat/internal/worker"
)

func TestHandlersEndToEndFlow(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	username := fmt.Sprintf("tester_%d", time.Now().UnixNano())
	password := "pass123"

	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)
	if regBody.ID == 0 {
		t.Fatalf("expected user id in register response")
	}

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token from login")
	}
	authHeader := map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody.AuthToken)}

	startResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/start", regBody.ID),
		map[string]any{"model": "gpt-5-nano"},
		authHeader)
	assertStatus(t, startResp, http.StatusCreated)
	var startBody struct {
		SessionID int64 `json:"sessionId"`
	}
	decodeJSON(t, startResp.Body.Bytes(), &startBody)
	if startBody.SessionID <= 0 {
		t.Fatalf("expected positive session id")
	}

	firstMessage := "Hello, remember my name is Bob."
	sendResp := postSSE(t, router,
		fmt.Sprintf("/api/users/%d/conversation/msg", regBody.ID),
		map[string]any{
			"session_id": startBody.SessionID,
			"content":    firstMessage,
			"model":      "gpt-5-nano",
		},
		authHeader,
	)
	assertStatus(t, sendResp, http.StatusOK)
	events := parseSSE(t, sendResp.Body.String())
	if len(events) != 3 {
		t.Fatalf("expected 3 SSE events, got %d: %#v", len(events), events)
	}
	if events[0].Name != "ack" {
		t.Fatalf("expected first SSE event to be ack, got %s", events[0].Name)
	}
	var ackPayload struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	decodeJSON(t, []byte(events[0].Data), &ackPayload)
	if ackPayload.Message.Content != firstMessage {
		t.Fatalf("ack payload mismatch, want %q got %q", firstMessage, ackPayload.Message.Content)
	}
	if events[1].Name != "stream" {
		t.Fatalf("expected stream event, got %s", events[1].Name)
	}
	if events[2].Name != "done" {
		t.Fatalf("expected done event, got %s", events[2].Name)
	}
	var donePayload struct {
		Title     string `json:"title"`
		UsedModel string `json:"used_model"`
		AI        struct {
			Content string `json:"content"`
		} `json:"ai_message"`
	}
	decodeJSON(t, []byte(events[2].Data), &donePayload)
	if donePayload.Title == "" || donePayload.AI.Content == "" {
		t.Fatalf("done payload missing title or ai content: %s", events[2].Data)
	}
	if donePayload.UsedModel != "gpt-5-nano" {
		t.Fatalf("unexpected used model %q", donePayload.UsedModel)
	}

	if got := countMessages(t, db, startBody.SessionID); got != 2 {
		t.Fatalf("expected 2 messages, got %d", got)
	}

	logoutResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/logout", regBody.ID), nil, authHeader)
	assertStatus(t, logoutResp, http.StatusNoContent)

	// Revoked token no longer works.
	listResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/session-list", regBody.ID), nil, authHeader)
	assertStatus(t, listResp, http.StatusUnauthorized)

	loginResp2 := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, loginResp2, http.StatusOK)
	var loginBody2 struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp2.Body.Bytes(), &loginBody2)
	authHeader = map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody2.AuthToken)}

	msgsResp := doJSONRequest(t, router, http.MethodGet,
		fmt.Sprintf("/api/users/%d/conversation/sessions/%d/messages", regBody.ID, startBody.SessionID),
		nil, authHeader)
	assertStatus(t, msgsResp, http.StatusOK)
	var msgsBody struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, msgsResp.Body.Bytes(), &msgsBody)
	if len(msgsBody.Messages) != 2 {
		t.Fatalf("expected history to survive logout, got %d messages", len(msgsBody.Messages))
	}

	delResp := doJSONRequest(t, router, http.MethodDelete,
		fmt.Sprintf("/api/users/%d", regBody.ID), nil, authHeader)
	assertStatus(t, delResp, http.StatusNoContent)

	failLogin := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	if failLogin.Code == http.StatusOK {
		t.Fatalf("expected login to fail after user deletion")
	}
}

func TestChatValidation(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)
	sessionID := startSession(t, router, userID, authHeader)

	// Missing session id.
	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/msg", userID),
		map[string]any{"session_id": 0, "content": "hi", "model": "gpt"},
		authHeader)
	assertStatus(t, resp, http.StatusBadRequest)

	// Missing model.
	resp = doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/msg", userID),
		map[string]any{"session_id": sessionID, "content": "hi"},
		authHeader)
	assertStatus(t, resp, http.StatusBadRequest)

	// Empty content with no attachment.
	resp = doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/msg", userID),
		map[string]any{"session_id": sessionID, "content": "   ", "model": "gpt"},
		authHeader)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestPathUserMismatch(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)
	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/session-list", userID+1), nil, authHeader)
	assertStatus(t, resp, http.StatusForbidden)
}

func TestChatExhaustionErrorEvent(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)
	sessionID := startSession(t, router, userID, authHeader)

	mw := handler.workers.(*mockWorker)
	mw.failNext = true

	resp := postSSE(t, router,
		fmt.Sprintf("/api/users/%d/conversation/msg", userID),
		map[string]any{"session_id": sessionID, "content": "hello", "model": "gpt"},
		authHeader)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 2 || events[0].Name != "ack" || events[1].Name != "error" {
		t.Fatalf("unexpected SSE sequence: %#v", events)
	}
	var errPayload struct {
		Message  string `json:"message"`
		Failures []struct {
			Model string `json:"model"`
			Error string `json:"error"`
		} `json:"failures"`
	}
	decodeJSON(t, []byte(events[1].Data), &errPayload)
	if !strings.Contains(errPayload.Message, "unavailable") {
		t.Fatalf("unexpected error message: %q", errPayload.Message)
	}
	if len(errPayload.Failures) != 2 {
		t.Fatalf("expected 2 attempt failures, got %d", len(errPayload.Failures))
	}
	if errPayload.Failures[0].Model != "gpt" || errPayload.Failures[0].Error == "" {
		t.Fatalf("unexpected failure entry: %#v", errPayload.Failures[0])
	}
}

func TestChatBusyErrorEvent(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)
	sessionID := startSession(t, router, userID, authHeader)

	mw := handler.workers.(*mockWorker)
	mw.busyNext = true

	resp := postSSE(t, router,
		fmt.Sprintf("/api/users/%d/conversation/msg", userID),
		map[string]any{"session_id": sessionID, "content": "hello", "model": "gpt"},
		authHeader)
	assertStatus(t, resp, http.StatusOK)
	events := parseSSE(t, resp.Body.String())
	if len(events) != 2 || events[1].Name != "error" {
		t.Fatalf("unexpected SSE sequence: %#v", events)
	}
	if !strings.Contains(events[1].Data, "busy") {
		t.Fatalf("expected busy error payload, got %s", events[1].Data)
	}
}

func TestEditAndRegenerate(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)
	sessionID := startSession(t, router, userID, authHeader)

	sendResp := postSSE(t, router,
		fmt.Sprintf("/api/users/%d/conversation/msg", userID),
		map[string]any{"session_id": sessionID, "content": "original question", "model": "gpt"},
		authHeader)
	assertStatus(t, sendResp, http.StatusOK)
	events := parseSSE(t, sendResp.Body.String())
	var ackPayload struct {
		Message struct {
			ID int64 `json:"id"`
		} `json:"message"`
	}
	decodeJSON(t, []byte(events[0].Data), &ackPayload)
	if ackPayload.Message.ID <= 0 {
		t.Fatalf("expected persisted user message id")
	}

	editResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/messages/%d/edit", userID, ackPayload.Message.ID),
		map[string]any{"session_id": sessionID, "content": "revised question"},
		authHeader)
	assertStatus(t, editResp, http.StatusNoContent)

	mw := handler.workers.(*mockWorker)
	if got := mw.purgeCount(); got == 0 {
		t.Fatalf("expected edit to purge the cached session")
	}
	if got := countMessages(t, db, sessionID); got != 1 {
		t.Fatalf("expected only the edited message to remain, got %d", got)
	}

	regenResp := postSSE(t, router,
		fmt.Sprintf("/api/users/%d/conversation/regenerate", userID),
		map[string]any{"session_id": sessionID, "model": "gpt"},
		authHeader)
	assertStatus(t, regenResp, http.StatusOK)
	events = parseSSE(t, regenResp.Body.String())
	if len(events) != 3 || events[0].Name != "ack" || events[2].Name != "done" {
		t.Fatalf("unexpected SSE sequence: %#v", events)
	}
	var regenAck struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	}
	decodeJSON(t, []byte(events[0].Data), &regenAck)
	if regenAck.Message.Content != "revised question" {
		t.Fatalf("regenerate should anchor on the edited message, got %q", regenAck.Message.Content)
	}
	if got := countMessages(t, db, sessionID); got != 2 {
		t.Fatalf("expected user + regenerated reply, got %d", got)
	}
}

func TestShareLifecycle(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)
	sessionID := startSession(t, router, userID, authHeader)

	sendResp := postSSE(t, router,
		fmt.Sprintf("/api/users/%d/conversation/msg", userID),
		map[string]any{"session_id": sessionID, "content": "share me", "model": "gpt"},
		authHeader)
	assertStatus(t, sendResp, http.StatusOK)

	createResp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/shares", userID),
		map[string]any{"session_id": sessionID, "chat_name": "My Study Notes"},
		authHeader)
	assertStatus(t, createResp, http.StatusCreated)
	var createBody struct {
		ID string `json:"id"`
	}
	decodeJSON(t, createResp.Body.Bytes(), &createBody)
	if createBody.ID == "" {
		t.Fatalf("expected share id")
	}

	// Public read without auth; each read counts a view.
	for want := int64(1); want <= 2; want++ {
		getResp := doJSONRequest(t, router, http.MethodGet, "/api/shares/"+createBody.ID, nil, nil)
		assertStatus(t, getResp, http.StatusOK)
		var share models.SharedChat
		decodeJSON(t, getResp.Body.Bytes(), &share)
		if share.Views != want {
			t.Fatalf("expected %d views, got %d", want, share.Views)
		}
		if share.ChatName != "My Study Notes" || len(share.Messages) != 2 {
			t.Fatalf("unexpected share payload: %+v", share)
		}
	}

	updateResp := doJSONRequest(t, router, http.MethodPut,
		fmt.Sprintf("/api/users/%d/shares/%s", userID, createBody.ID),
		map[string]any{"session_id": sessionID, "chat_name": "Renamed"},
		authHeader)
	assertStatus(t, updateResp, http.StatusNoContent)

	delResp := doJSONRequest(t, router, http.MethodDelete,
		fmt.Sprintf("/api/users/%d/shares/%s", userID, createBody.ID), nil, authHeader)
	assertStatus(t, delResp, http.StatusNoContent)

	getResp := doJSONRequest(t, router, http.MethodGet, "/api/shares/"+createBody.ID, nil, nil)
	assertStatus(t, getResp, http.StatusNotFound)
}

func TestUploadTextDocument(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)
	sessionID := startSession(t, router, userID, authHeader)

	content := strings.Repeat("Binary search halves the interval on every probe. ", 20)
	resp := doMultipartUpload(t, router, userID, authHeader, sessionID, "notes.md", []byte(content), nil)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		DocumentID int64  `json:"document_id"`
		FileName   string `json:"file_name"`
		Chunks     int    `json:"chunks"`
		ImageOnly  bool   `json:"image_only"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.DocumentID <= 0 || body.FileName != "notes.md" || body.ImageOnly {
		t.Fatalf("unexpected upload response: %+v", body)
	}
	if body.Chunks == 0 {
		t.Fatalf("expected extracted chunks")
	}

	mw := handler.workers.(*mockWorker)
	if len(mw.chunks(sessionID)) != body.Chunks {
		t.Fatalf("expected %d cached chunks, got %d", body.Chunks, len(mw.chunks(sessionID)))
	}

	doc, err := handler.assistant.ActiveDocument(context.Background(), userID, sessionID)
	if err != nil {
		t.Fatalf("active document: %v", err)
	}
	if doc.FileName != "notes.md" || doc.TextChars == 0 {
		t.Fatalf("unexpected document record: %+v", doc)
	}

	// Same filename again gets a deduplicated name.
	resp = doMultipartUpload(t, router, userID, authHeader, sessionID, "notes.md", []byte(content), nil)
	assertStatus(t, resp, http.StatusCreated)
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.FileName != "notes (1).md" {
		t.Fatalf("expected suffixed filename, got %q", body.FileName)
	}
}

func TestUploadRejectsUnsupportedExtension(t *testing.T) {
	router, db, _ := newTestServer(t)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)
	sessionID := startSession(t, router, userID, authHeader)

	resp := doMultipartUpload(t, router, userID, authHeader, sessionID, "tool.bin", []byte("plain text payload"), nil)
	assertStatus(t, resp, http.StatusBadRequest)
}

func TestUploadSparseTextWithPageImages(t *testing.T) {
	router, db, handler := newTestServer(t)
	defer db.Close()

	userID, authHeader := registerAndLogin(t, router)
	sessionID := startSession(t, router, userID, authHeader)

	previews := []string{"data:image/png;base64,AAAA", "data:image/png;base64,BBBB"}
	resp := doMultipartUpload(t, router, userID, authHeader, sessionID, "scan.md", []byte("tiny"), previews)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		ImageOnly bool `json:"image_only"`
		PageCount int  `json:"page_count"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if !body.ImageOnly || body.PageCount != 2 {
		t.Fatalf("expected image-only fallback with 2 pages, got %+v", body)
	}

	doc, err := handler.assistant.ActiveDocument(context.Background(), userID, sessionID)
	if err != nil {
		t.Fatalf("active document: %v", err)
	}
	if !doc.ImageOnly || len(doc.PageImages) != 2 {
		t.Fatalf("unexpected document record: %+v", doc)
	}
}

type sseEvent struct {
	Name string
	Data string
}

func parseSSE(t *testing.T, payload string) []sseEvent {
	t.Helper()
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return nil
	}
	chunks := strings.Split(payload, "\n\n")
	var events []sseEvent
	for _, chunk := range chunks {
		lines := strings.Split(strings.TrimSpace(chunk), "\n")
		if len(lines) == 0 {
			continue
		}
		var evt sseEvent
		for _, line := range lines {
			switch {
			case strings.HasPrefix(line, "event:"):
				evt.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			case strings.HasPrefix(line, "data:"):
				data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
				if evt.Data == "" {
					evt.Data = data
				} else {
					evt.Data += "\n" + data
				}
			}
		}
		events = append(events, evt)
	}
	return events
}

func newTestServer(t *testing.T) (*gin.Engine, *sql.DB, *Handler) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := storage.OpenSQLiteDSN(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	asst := assistant.NewService(db)
	authSvc := auth.NewService(db, nil, time.Hour)
	retrieval := worker.RetrievalConfig{
		ChunkSize:      document.DefaultChunkSize,
		ChunkOverlap:   document.DefaultChunkOverlap,
		TopK:           document.DefaultTopChunks,
		FallbackChunks: document.DefaultFallbackLen,
	}
	handler := NewHandler(asst, authSvc, newMockWorker(asst), t.TempDir(), time.Hour, retrieval)

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, db, handler
}

func doJSONRequest(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func postSSE(t *testing.T, router *gin.Engine, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	return doJSONRequest(t, router, http.MethodPost, path, body, headers)
}

func doMultipartUpload(t *testing.T, router *gin.Engine, userID int64, headers map[string]string, sessionID int64, filename string, content []byte, pageImages []string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	mp := multipart.NewWriter(&buf)
	if err := mp.WriteField("session_id", fmt.Sprintf("%d", sessionID)); err != nil {
		t.Fatalf("write field: %v", err)
	}
	for _, img := range pageImages {
		if err := mp.WriteField("page_images", img); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	part, err := mp.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write file: %v", err)
	}
	if err := mp.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, fmt.Sprintf("/api/users/%d/uploads", userID), &buf)
	req.Header.Set("Content-Type", mp.FormDataContentType())
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v (payload: %s)", err, data)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d (want %d), body: %s", rec.Code, want, rec.Body.String())
	}
}

func countMessages(t *testing.T, db *sql.DB, sessionID int64) int {
	t.Helper()
	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM messages WHERE session_id = ?`, sessionID).Scan(&count); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	return count
}

func registerAndLogin(t *testing.T, router *gin.Engine) (int64, map[string]string) {
	t.Helper()
	username := fmt.Sprintf("tester_%d", time.Now().UnixNano())
	password := "pass123"
	regResp := doJSONRequest(t, router, http.MethodPost, "/api/users/register", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, regResp, http.StatusCreated)
	var regBody struct {
		ID int64 `json:"id"`
	}
	decodeJSON(t, regResp.Body.Bytes(), &regBody)

	loginResp := doJSONRequest(t, router, http.MethodPost, "/api/users/login", map[string]string{
		"username": username,
		"password": password,
	}, nil)
	assertStatus(t, loginResp, http.StatusOK)
	var loginBody struct {
		AuthToken string `json:"auth_token"`
	}
	decodeJSON(t, loginResp.Body.Bytes(), &loginBody)
	if loginBody.AuthToken == "" {
		t.Fatalf("expected auth token after login")
	}
	return regBody.ID, map[string]string{"Authorization": fmt.Sprintf("Bearer %s", loginBody.AuthToken)}
}

func startSession(t *testing.T, router *gin.Engine, userID int64, authHeader map[string]string) int64 {
	t.Helper()
	resp := doJSONRequest(t, router, http.MethodPost,
		fmt.Sprintf("/api/users/%d/conversation/start", userID),
		map[string]any{"model": "gpt"},
		authHeader)
	assertStatus(t, resp, http.StatusCreated)
	var body struct {
		SessionID int64 `json:"sessionId"`
	}
	decodeJSON(t, resp.Body.Bytes(), &body)
	if body.SessionID <= 0 {
		t.Fatalf("expected positive session id")
	}
	return body.SessionID
}

// mockWorker stands in for the per-user worker manager. It persists the
// assistant reply the way the real manager does so handler tests can assert
// against the database.
type mockWorker struct {
	assistant *assistant.Service

	mu       sync.Mutex
	failNext bool
	busyNext bool
	cached   map[int64][]document.Chunk
	purges   int
}

func newMockWorker(asst *assistant.Service) *mockWorker {
	return &mockWorker{assistant: asst, cached: make(map[int64][]document.Chunk)}
}

func (m *mockWorker) Chat(req worker.ChatRequest) (*worker.ChatResult, error) {
	m.mu.Lock()
	fail, busy := m.failNext, m.busyNext
	m.failNext, m.busyNext = false, false
	m.mu.Unlock()

	if busy {
		return nil, worker.ErrWorkerBusy
	}
	if fail {
		return &worker.ChatResult{
			Failures: []llm.AttemptFailure{
				{Model: req.Model, Err: fmt.Errorf("upstream timeout")},
				{Model: "fallback-model", Err: fmt.Errorf("upstream timeout")},
			},
		}, worker.ErrAllModelsFailed
	}

	if req.OnChunk != nil {
		if err := req.OnChunk("mock-chunk"); err != nil {
			return nil, err
		}
	}
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}
	reply, err := m.assistant.AddMessage(ctx, models.Message{
		UserID:    req.UserID,
		SessionID: req.SessionID,
		Role:      models.RoleAssistant,
		Content:   fmt.Sprintf("Mock response to %q", req.Message.Content),
	})
	if err != nil {
		return nil, err
	}
	return &worker.ChatResult{
		Message:   reply,
		Title:     assistant.TitleForContent(req.Message.Content),
		UsedModel: req.Model,
	}, nil
}

func (m *mockWorker) CacheChunks(userID, sessionID int64, chunks []document.Chunk) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached[sessionID] = chunks
}

func (m *mockWorker) Purge(userID, sessionID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.purges++
	delete(m.cached, sessionID)
}

func (m *mockWorker) ResetUser(int64) {}

func (m *mockWorker) chunks(sessionID int64) []document.Chunk {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cached[sessionID]
}

func (m *mockWorker) purgeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.purges
}

package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"studychat/internal/document"
	"studychat/internal/llm"
	"studychat/internal/models"
	"studychat/internal/service/assistant"
	"studychat/internal/storage"
)

type fakeDeliverer struct {
	mu       sync.Mutex
	requests []llm.Request
	result   *llm.Result
	failures []llm.AttemptFailure
	err      error
}

func (f *fakeDeliverer) Deliver(ctx context.Context, req llm.Request) (*llm.Result, []llm.AttemptFailure, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()
	return f.result, f.failures, f.err
}

func (f *fakeDeliverer) lastRequest(t *testing.T) llm.Request {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.requests) == 0 {
		t.Fatalf("no requests delivered")
	}
	return f.requests[len(f.requests)-1]
}

func newTestManager(t *testing.T, deliverer Deliverer) (*Manager, *assistant.Service) {
	t.Helper()
	db, err := storage.OpenSQLiteDSN(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	asst := assistant.NewService(db)
	return NewManager(asst, deliverer, nil, RetrievalConfig{TopK: 5, FallbackChunks: 3}), asst
}

func seedConversation(t *testing.T, asst *assistant.Service) (int64, int64, *models.Message) {
	t.Helper()
	ctx := context.Background()
	user, err := asst.RegisterUser(ctx, "worker-user", "pw")
	if err != nil {
		t.Fatalf("RegisterUser: %v", err)
	}
	session, err := asst.CreateSession(ctx, user.ID, "New Conversation", "model-a")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	msg, err := asst.AppendMessageToSession(ctx, user.ID, session.ID, models.Message{
		Role: models.RoleUser, Content: "explain binary search please",
	})
	if err != nil {
		t.Fatalf("AppendMessageToSession: %v", err)
	}
	return user.ID, session.ID, msg
}

func TestChatStoresReplyAndTitle(t *testing.T) {
	deliverer := &fakeDeliverer{
		result: &llm.Result{Content: "the reply", Reasoning: "thought", UsedModel: "model-a", TotalAttempts: 1},
	}
	mgr, asst := newTestManager(t, deliverer)
	userID, sessionID, msg := seedConversation(t, asst)

	res, err := mgr.Chat(ChatRequest{
		Context:   context.Background(),
		UserID:    userID,
		SessionID: sessionID,
		Model:     "model-a",
		Message:   msg,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if res.Message == nil || res.Message.Content != "the reply" || res.Message.Reasoning != "thought" {
		t.Fatalf("unexpected reply: %+v", res.Message)
	}
	if res.Title != "explain binary search please" {
		t.Fatalf("expected title from first user message, got %q", res.Title)
	}
	if res.UsedModel != "model-a" || res.FallbackUsed {
		t.Fatalf("unexpected delivery metadata: %+v", res)
	}

	// reply persisted
	_, messages, err := asst.GetSessionWithMessages(context.Background(), userID, sessionID)
	if err != nil {
		t.Fatalf("GetSessionWithMessages: %v", err)
	}
	if len(messages) != 2 || messages[1].Role != models.RoleAssistant {
		t.Fatalf("assistant message not stored: %+v", messages)
	}

	// second turn must not retitle
	msg2, err := asst.AppendMessageToSession(context.Background(), userID, sessionID, models.Message{
		Role: models.RoleUser, Content: "and now quicksort",
	})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	res2, err := mgr.Chat(ChatRequest{
		Context: context.Background(), UserID: userID, SessionID: sessionID, Model: "model-a", Message: msg2,
	})
	if err != nil {
		t.Fatalf("Chat second: %v", err)
	}
	if res2.Title != "" {
		t.Fatalf("second turn should not retitle, got %q", res2.Title)
	}

	// history handed to the deliverer includes all prior turns
	req := deliverer.lastRequest(t)
	if len(req.Messages) != 3 {
		t.Fatalf("expected 3 history messages, got %d", len(req.Messages))
	}
}

func TestChatExhaustionSurfacesFailures(t *testing.T) {
	deliverer := &fakeDeliverer{
		failures: []llm.AttemptFailure{
			{Model: "model-a", Err: errors.New("boom")},
			{Model: "model-b", Err: errors.New("boom too")},
		},
	}
	mgr, asst := newTestManager(t, deliverer)
	userID, sessionID, msg := seedConversation(t, asst)

	res, err := mgr.Chat(ChatRequest{
		Context: context.Background(), UserID: userID, SessionID: sessionID, Model: "model-a", Message: msg,
	})
	if !errors.Is(err, ErrAllModelsFailed) {
		t.Fatalf("expected ErrAllModelsFailed, got %v", err)
	}
	if res == nil || len(res.Failures) != 2 {
		t.Fatalf("expected failure list, got %+v", res)
	}

	// no assistant message written
	_, messages, _ := asst.GetSessionWithMessages(context.Background(), userID, sessionID)
	if len(messages) != 1 {
		t.Fatalf("failed turn must not persist a reply: %+v", messages)
	}
}

func TestChatUsesCachedChunksForContext(t *testing.T) {
	deliverer := &fakeDeliverer{
		result: &llm.Result{Content: "grounded answer", UsedModel: "model-a", TotalAttempts: 1},
	}
	mgr, asst := newTestManager(t, deliverer)
	userID, sessionID, _ := seedConversation(t, asst)

	doc := &models.Document{
		UserID: userID, SessionID: sessionID,
		FileName: "notes.pdf", MimeType: "application/pdf", Size: 10,
		PageCount: 1, TextChars: 500,
	}
	if _, err := asst.RecordDocument(context.Background(), doc, 0); err != nil {
		t.Fatalf("RecordDocument: %v", err)
	}
	mgr.CacheChunks(userID, sessionID, []document.Chunk{
		{Text: "binary search halves the interval each step", PageNumber: 2},
		{Text: "unrelated appendix material", PageNumber: 9},
	})

	msg, err := asst.AppendMessageToSession(context.Background(), userID, sessionID, models.Message{
		Role: models.RoleUser, Content: "how does binary search work here?",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	res, err := mgr.Chat(ChatRequest{
		Context: context.Background(), UserID: userID, SessionID: sessionID, Model: "model-a", Message: msg,
	})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	req := deliverer.lastRequest(t)
	if req.Attachment.DocName != "notes.pdf" || req.Attachment.DocText == "" {
		t.Fatalf("document context not attached: %+v", req.Attachment)
	}
	if len(res.Pages) != 1 || res.Pages[0] != 2 {
		t.Fatalf("expected citation for page 2, got %v", res.Pages)
	}
}

func TestChatImageOnlyDocumentAttachesPageImages(t *testing.T) {
	deliverer := &fakeDeliverer{
		result: &llm.Result{Content: "seen", UsedModel: "model-a", TotalAttempts: 1},
	}
	mgr, asst := newTestManager(t, deliverer)
	userID, sessionID, msg := seedConversation(t, asst)

	doc := &models.Document{
		UserID: userID, SessionID: sessionID,
		FileName: "scan.pdf", MimeType: "application/pdf", Size: 10,
		PageCount: 2, TextChars: 5, ImageOnly: true,
		PageImages: []string{"data:image/png;base64,AAA", "data:image/png;base64,BBB"},
	}
	if _, err := asst.RecordDocument(context.Background(), doc, 0); err != nil {
		t.Fatalf("RecordDocument: %v", err)
	}

	if _, err := mgr.Chat(ChatRequest{
		Context: context.Background(), UserID: userID, SessionID: sessionID, Model: "model-a", Message: msg,
	}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	req := deliverer.lastRequest(t)
	if len(req.Attachment.PageImages) != 2 || req.Attachment.DocText != "" {
		t.Fatalf("image-only document mishandled: %+v", req.Attachment)
	}
}

func TestIsFirstUserTurn(t *testing.T) {
	history := []*models.Message{
		{ID: 1, Role: models.RoleUser},
	}
	if !isFirstUserTurn(history, 1) {
		t.Fatalf("single user message should be first turn")
	}
	history = append(history, &models.Message{ID: 2, Role: models.RoleAssistant}, &models.Message{ID: 3, Role: models.RoleUser})
	if isFirstUserTurn(history, 3) {
		t.Fatalf("later user message must not count as first turn")
	}
}

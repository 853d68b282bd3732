package worker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"studychat/internal/document"
	"studychat/internal/llm"
	"studychat/internal/models"
	"studychat/internal/redis"
	"studychat/internal/service/assistant"
)

const queueLen = 16

var (
	// ErrWorkerBusy is returned when a user's task queue is full.
	ErrWorkerBusy = errors.New("worker queue full")
	// ErrAllModelsFailed is returned when every fallback candidate failed.
	ErrAllModelsFailed = errors.New("all models failed")
)

// ChatRequest is one chat turn submitted to a user's worker. Message must
// already be persisted; the worker persists the assistant reply itself.
type ChatRequest struct {
	Context   context.Context
	UserID    int64
	SessionID int64
	Model     string
	StudyMode bool
	Message   *models.Message
	OnChunk   func(string) error
	OnStatus  func(llm.RetryStatus)
}

// ChatResult is the outcome of a delivered chat turn.
type ChatResult struct {
	Message      *models.Message
	Title        string
	Pages        []int
	UsedModel    string
	FallbackUsed bool
	Failures     []llm.AttemptFailure
}

// Deliverer is the completion layer the manager drives; satisfied by
// *llm.Orchestrator.
type Deliverer interface {
	Deliver(ctx context.Context, req llm.Request) (*llm.Result, []llm.AttemptFailure, error)
}

// Manager owns one goroutine per active user so that a user's chat turns run
// strictly in order. A second request for the same user queues behind the
// in-flight one; requests from different users proceed in parallel.
type Manager struct {
	assistant *assistant.Service
	deliverer Deliverer
	cache     *stateCache

	retrieval RetrievalConfig

	mu      sync.Mutex
	workers map[int64]*userState
}

// RetrievalConfig carries the chunking and selection parameters applied when
// a session has an uploaded document.
type RetrievalConfig struct {
	ChunkSize      int
	ChunkOverlap   int
	TopK           int
	FallbackChunks int
}

type chatTask struct {
	req      ChatRequest
	resultCh chan taskReturn
}

type taskReturn struct {
	result *ChatResult
	err    error
}

// NewManager builds the worker manager. The redis client may be nil, which
// keeps all state in memory.
func NewManager(asst *assistant.Service, deliverer Deliverer, cacheClient *redis.Client, retrieval RetrievalConfig) *Manager {
	m := &Manager{
		assistant: asst,
		deliverer: deliverer,
		cache:     newStateCache(cacheClient),
		retrieval: retrieval,
		workers:   make(map[int64]*userState),
	}
	m.cache.startListener(m.handleInvalidation)
	return m
}

// Chat submits a turn to the user's worker and waits for the reply.
func (m *Manager) Chat(req ChatRequest) (*ChatResult, error) {
	if req.UserID <= 0 || req.SessionID <= 0 {
		return nil, errors.New("user and session required")
	}
	if req.Message == nil {
		return nil, errors.New("message required")
	}
	state := m.ensureWorker(req.UserID)

	resultCh := make(chan taskReturn, 1)
	select {
	case state.taskCh <- chatTask{req: req, resultCh: resultCh}:
	default:
		return nil, ErrWorkerBusy
	}
	ret := <-resultCh
	return ret.result, ret.err
}

// CacheChunks installs a freshly chunked document for the session, replacing
// any previous chunk set, and broadcasts the change to other instances.
func (m *Manager) CacheChunks(userID, sessionID int64, chunks []document.Chunk) {
	m.ensureWorker(userID).setChunks(sessionID, chunks)
	m.cache.cacheChunks(sessionID, chunks)
	m.cache.publishInvalidation(invalidateMessage{UserID: userID, SessionID: sessionID, Scope: scopeSession})
}

// Purge drops all cached state for one session.
func (m *Manager) Purge(userID, sessionID int64) {
	if state := m.getWorker(userID); state != nil {
		select {
		case state.purgeCh <- sessionID:
		default:
			state.purgeSession(sessionID)
		}
	}
	m.cache.invalidateSession(sessionID)
	m.cache.publishInvalidation(invalidateMessage{UserID: userID, SessionID: sessionID, Scope: scopeSession})
}

// ResetUser stops the user's worker and discards its state.
func (m *Manager) ResetUser(userID int64) {
	m.mu.Lock()
	if state, ok := m.workers[userID]; ok {
		// remove before closing so a concurrent reset cannot close twice
		delete(m.workers, userID)
		state.reset()
		close(state.stopCh)
	}
	m.mu.Unlock()
	m.cache.publishInvalidation(invalidateMessage{UserID: userID, Scope: scopeUser})
}

func (m *Manager) handleInvalidation(msg invalidateMessage) {
	switch msg.Scope {
	case scopeUser:
		if state := m.getWorker(msg.UserID); state != nil {
			state.reset()
		}
	case scopeSession:
		if state := m.getWorker(msg.UserID); state != nil {
			state.purgeSession(msg.SessionID)
		}
	}
}

func (m *Manager) ensureWorker(userID int64) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if state, ok := m.workers[userID]; ok {
		return state
	}
	state := newUserState()
	m.workers[userID] = state
	go m.runWorker(userID, state)
	return state
}

func (m *Manager) getWorker(userID int64) *userState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.workers[userID]
}

func (m *Manager) runWorker(userID int64, state *userState) {
	defer func() {
		m.mu.Lock()
		delete(m.workers, userID)
		m.mu.Unlock()
	}()

	for {
		select {
		case <-state.stopCh:
			log.Debug().Int64("user_id", userID).Msg("chat worker stopped")
			return
		case task := <-state.taskCh:
			result, err := m.handleChat(task.req, state)
			task.resultCh <- taskReturn{result: result, err: err}
		case sessionID := <-state.purgeCh:
			state.purgeSession(sessionID)
		}
	}
}

func (m *Manager) handleChat(req ChatRequest, state *userState) (*ChatResult, error) {
	ctx := req.Context
	if ctx == nil {
		ctx = context.Background()
	}

	history, err := m.loadHistory(ctx, req, state)
	if err != nil {
		return nil, err
	}

	// Session titles derive from the first user message.
	var title string
	if isFirstUserTurn(history, req.Message.ID) {
		title = assistant.TitleForContent(req.Message.Content)
		if err := m.assistant.UpdateSessionTitle(ctx, req.UserID, req.SessionID, title); err != nil {
			if !errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("set session title: %w", err)
			}
			title = ""
		}
	}

	att, pages := m.buildAttachment(ctx, req)

	result, failures, err := m.deliverer.Deliver(ctx, llm.Request{
		Messages:   history,
		Model:      req.Model,
		Attachment: att,
		StudyMode:  req.StudyMode,
		Stream:     true,
		OnChunk:    req.OnChunk,
		OnStatus:   req.OnStatus,
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return &ChatResult{Title: title, Failures: failures}, ErrAllModelsFailed
	}

	aiMsg, err := m.assistant.AddMessage(ctx, models.Message{
		UserID:      req.UserID,
		SessionID:   req.SessionID,
		Role:        models.RoleAssistant,
		Content:     result.Content,
		Reasoning:   result.Reasoning,
		LessonSteps: result.LessonSteps,
	})
	if err != nil {
		return nil, fmt.Errorf("store assistant message: %w", err)
	}

	history = append(history, aiMsg)
	state.setHistory(req.SessionID, history)
	m.cache.cacheHistory(req.SessionID, history)

	return &ChatResult{
		Message:      aiMsg,
		Title:        title,
		Pages:        pages,
		UsedModel:    result.UsedModel,
		FallbackUsed: result.FallbackUsed,
		Failures:     failures,
	}, nil
}

// loadHistory returns the conversation including req.Message, consulting the
// in-memory state, then redis, then the database.
func (m *Manager) loadHistory(ctx context.Context, req ChatRequest, state *userState) ([]*models.Message, error) {
	if history, ok := state.getHistory(req.SessionID); ok {
		return appendIfMissing(history, req.Message), nil
	}
	if history, ok := m.cache.loadHistory(req.UserID, req.SessionID); ok {
		history = appendIfMissing(history, req.Message)
		state.setHistory(req.SessionID, history)
		return history, nil
	}
	_, history, err := m.assistant.GetSessionWithMessages(ctx, req.UserID, req.SessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.New("session not found")
		}
		return nil, err
	}
	history = appendIfMissing(history, req.Message)
	state.setHistory(req.SessionID, history)
	return history, nil
}

func appendIfMissing(history []*models.Message, msg *models.Message) []*models.Message {
	for _, m := range history {
		if m != nil && msg != nil && m.ID == msg.ID {
			return history
		}
	}
	return append(history, msg)
}

// isFirstUserTurn reports whether the submitted message is the session's only
// user message so far.
func isFirstUserTurn(history []*models.Message, messageID int64) bool {
	for _, m := range history {
		if m == nil || m.Role != models.RoleUser {
			continue
		}
		if m.ID != messageID {
			return false
		}
	}
	return true
}

// buildAttachment assembles the augmentation data for the outbound request:
// the inline image from the user message plus, when the session carries a
// document, the retrieval context selected against the message text.
func (m *Manager) buildAttachment(ctx context.Context, req ChatRequest) (llm.Attachment, []int) {
	att := llm.Attachment{Image: req.Message.Image}

	doc, err := m.assistant.ActiveDocument(ctx, req.UserID, req.SessionID)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warn().Err(err).Int64("session_id", req.SessionID).Msg("active document lookup failed")
		}
		return att, nil
	}

	if doc.ImageOnly {
		att.PageImages = doc.PageImages
		att.DocName = doc.FileName
		return att, nil
	}

	chunks := m.sessionChunks(req, doc)
	if len(chunks) == 0 {
		return att, nil
	}
	selection := document.SelectContext(req.Message.Content, chunks, m.retrieval.TopK, m.retrieval.FallbackChunks)
	att.DocText = selection.Context
	att.DocName = doc.FileName
	return att, selection.Pages
}

// sessionChunks fetches the session's chunk set, re-extracting from the
// stored file when both cache tiers miss.
func (m *Manager) sessionChunks(req ChatRequest, doc *models.Document) []document.Chunk {
	state := m.getWorker(req.UserID)
	if state != nil {
		if chunks, ok := state.getChunks(req.SessionID); ok {
			return chunks
		}
	}
	if chunks, ok := m.cache.loadChunks(req.SessionID); ok {
		if state != nil {
			state.setChunks(req.SessionID, chunks)
		}
		return chunks
	}

	extraction, err := document.Extract(doc.StoredPath, doc.FileName)
	if err != nil {
		log.Warn().Err(err).Str("file", doc.FileName).Msg("document re-extraction failed")
		return nil
	}
	chunks := document.ChunkPages(extraction.Pages, m.retrieval.ChunkSize, m.retrieval.ChunkOverlap)
	if state != nil {
		state.setChunks(req.SessionID, chunks)
	}
	m.cache.cacheChunks(req.SessionID, chunks)
	return chunks
}

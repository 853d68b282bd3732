package worker

import (
	"sync"

	"studychat/internal/document"
	"studychat/internal/models"
)

// userState is the in-memory cache one worker goroutine keeps for its user:
// per-session conversation history and the chunk set of the session's active
// document. Guarded because Purge may be called from handler goroutines.
type userState struct {
	mu      sync.RWMutex
	history map[int64][]*models.Message
	chunks  map[int64][]document.Chunk

	stopCh  chan struct{}
	taskCh  chan chatTask
	purgeCh chan int64
}

func newUserState() *userState {
	return &userState{
		history: make(map[int64][]*models.Message),
		chunks:  make(map[int64][]document.Chunk),
		stopCh:  make(chan struct{}),
		taskCh:  make(chan chatTask, queueLen),
		purgeCh: make(chan int64, queueLen),
	}
}

func (s *userState) getHistory(sessionID int64) ([]*models.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.history[sessionID]
	return h, ok
}

func (s *userState) setHistory(sessionID int64, history []*models.Message) {
	s.mu.Lock()
	s.history[sessionID] = history
	s.mu.Unlock()
}

func (s *userState) appendHistory(sessionID int64, msg *models.Message) {
	if msg == nil {
		return
	}
	s.mu.Lock()
	if _, ok := s.history[sessionID]; ok {
		s.history[sessionID] = append(s.history[sessionID], msg)
	}
	s.mu.Unlock()
}

func (s *userState) getChunks(sessionID int64) ([]document.Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.chunks[sessionID]
	return c, ok
}

func (s *userState) setChunks(sessionID int64, chunks []document.Chunk) {
	s.mu.Lock()
	s.chunks[sessionID] = chunks
	s.mu.Unlock()
}

func (s *userState) purgeSession(sessionID int64) {
	s.mu.Lock()
	delete(s.history, sessionID)
	delete(s.chunks, sessionID)
	s.mu.Unlock()
}

func (s *userState) reset() {
	s.mu.Lock()
	s.history = make(map[int64][]*models.Message)
	s.chunks = make(map[int64][]document.Chunk)
	s.mu.Unlock()
}

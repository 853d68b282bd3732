package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"studychat/internal/document"
	"studychat/internal/models"
	"studychat/internal/redis"
)

const (
	invalidateChannel = "chat:invalidate"
	stateTTL          = 30 * time.Minute
)

const (
	scopeUser    = "user"
	scopeSession = "session"
)

type invalidateMessage struct {
	UserID    int64  `json:"user_id"`
	SessionID int64  `json:"session_id"`
	Scope     string `json:"scope"`
}

// stateCache is the redis tier behind the in-memory worker state. Everything
// here is best effort: a miss or failure just means a database reload.
type stateCache struct {
	client *redis.Client
}

func newStateCache(client *redis.Client) *stateCache {
	return &stateCache{client: client}
}

func historyKey(sessionID int64) string {
	return fmt.Sprintf("chat:history:%d", sessionID)
}

func chunksKey(sessionID int64) string {
	return fmt.Sprintf("chat:chunks:%d", sessionID)
}

// startListener subscribes to cross-instance invalidation broadcasts.
func (r *stateCache) startListener(handler func(invalidateMessage)) {
	if r == nil || r.client == nil || handler == nil {
		return
	}
	raw := r.client.Raw()
	if raw == nil {
		return
	}
	go func() {
		ctx := context.Background()
		pubsub := raw.Subscribe(ctx, invalidateChannel)
		for msg := range pubsub.Channel() {
			var inv invalidateMessage
			if err := json.Unmarshal([]byte(msg.Payload), &inv); err != nil {
				log.Warn().Err(err).Msg("invalidation decode failed")
				continue
			}
			handler(inv)
		}
	}()
}

func (r *stateCache) publishInvalidation(msg invalidateMessage) {
	if r == nil || r.client == nil {
		return
	}
	raw := r.client.Raw()
	if raw == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Warn().Err(err).Msg("invalidation marshal failed")
		return
	}
	if err := raw.Publish(context.Background(), invalidateChannel, payload).Err(); err != nil {
		log.Warn().Err(err).Msg("publish invalidation failed")
	}
}

func (r *stateCache) cacheHistory(sessionID int64, history []*models.Message) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return
	}
	data, err := json.Marshal(history)
	if err != nil {
		log.Warn().Err(err).Msg("history marshal failed")
		return
	}
	if err := r.client.Set(context.Background(), historyKey(sessionID), data, stateTTL); err != nil {
		log.Warn().Err(err).Int64("session_id", sessionID).Msg("history cache write failed")
	}
}

func (r *stateCache) loadHistory(userID, sessionID int64) ([]*models.Message, bool) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return nil, false
	}
	raw, err := r.client.Get(context.Background(), historyKey(sessionID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Warn().Err(err).Msg("history cache read failed")
		}
		return nil, false
	}
	var history []*models.Message
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		log.Warn().Err(err).Msg("history cache decode failed")
		return nil, false
	}
	for _, m := range history {
		if m != nil && m.UserID != userID {
			return nil, false
		}
	}
	return history, true
}

func (r *stateCache) cacheChunks(sessionID int64, chunks []document.Chunk) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return
	}
	data, err := json.Marshal(chunks)
	if err != nil {
		log.Warn().Err(err).Msg("chunks marshal failed")
		return
	}
	if err := r.client.Set(context.Background(), chunksKey(sessionID), data, stateTTL); err != nil {
		log.Warn().Err(err).Int64("session_id", sessionID).Msg("chunk cache write failed")
	}
}

func (r *stateCache) loadChunks(sessionID int64) ([]document.Chunk, bool) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return nil, false
	}
	raw, err := r.client.Get(context.Background(), chunksKey(sessionID))
	if err != nil {
		if err != redis.ErrCacheMiss {
			log.Warn().Err(err).Msg("chunk cache read failed")
		}
		return nil, false
	}
	var chunks []document.Chunk
	if err := json.Unmarshal([]byte(raw), &chunks); err != nil {
		log.Warn().Err(err).Msg("chunk cache decode failed")
		return nil, false
	}
	return chunks, true
}

func (r *stateCache) invalidateSession(sessionID int64) {
	if r == nil || r.client == nil || sessionID <= 0 {
		return
	}
	if err := r.client.Del(context.Background(), historyKey(sessionID), chunksKey(sessionID)); err != nil {
		log.Warn().Err(err).Int64("session_id", sessionID).Msg("session cache invalidate failed")
	}
}

// Package memory provides Agent Memory Port implementations: a process-local
// store and a SQLite-backed one. Both are append-only in this runtime's
// usage and preserve append order per (agent, chat).
package memory

import (
	"context"
	"sync"

	"github.com/yysun/agent-world-sub012/internal/world"
)

type streamKey struct {
	AgentID string
	ChatID  string
}

// Store keeps histories in process memory. Suited to tests and ephemeral
// worlds; nothing survives a restart.
type Store struct {
	mu      sync.RWMutex
	streams map[streamKey][]world.Message
}

func NewStore() *Store {
	return &Store{streams: map[streamKey][]world.Message{}}
}

func (s *Store) Append(_ context.Context, agentID, chatID string, msg world.Message) error {
	k := streamKey{AgentID: agentID, ChatID: chatID}
	s.mu.Lock()
	s.streams[k] = append(s.streams[k], msg)
	s.mu.Unlock()
	return nil
}

func (s *Store) History(_ context.Context, agentID, chatID string) ([]world.Message, error) {
	k := streamKey{AgentID: agentID, ChatID: chatID}
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.streams[k]
	out := make([]world.Message, len(src))
	copy(out, src)
	return out, nil
}

package inbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is a non-durable Store for tests and local runs.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]Message
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{messages: make(map[string]Message)}
}

func (s *MemoryStore) Put(_ context.Context, msg Message) error {
	if strings.TrimSpace(msg.ID) == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidMessage)
	}
	s.mu.Lock()
	s.messages[msg.ID] = msg
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msg, ok := s.messages[id]
	if !ok {
		return Message{}, ErrMessageNotFound
	}
	return msg, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.messages, id)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Due(_ context.Context, now time.Time, limit int) ([]Message, error) {
	return s.collect(limit, func(msg Message) bool {
		return msg.State == StatePending && !msg.NextAttemptAt.After(now)
	}), nil
}

func (s *MemoryStore) List(_ context.Context, state State, limit int) ([]Message, error) {
	return s.collect(limit, func(msg Message) bool { return matches(msg, state) }), nil
}

func (s *MemoryStore) Count(_ context.Context, state State) (int, error) {
	return len(s.collect(0, func(msg Message) bool { return matches(msg, state) })), nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) collect(limit int, keep func(Message) bool) []Message {
	s.mu.RLock()
	out := make([]Message, 0, len(s.messages))
	for _, msg := range s.messages {
		if keep(msg) {
			out = append(out, msg)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

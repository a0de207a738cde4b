package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

type memoryStore struct {
	mu       sync.Mutex
	sessions map[string]map[string][]byte
}

// NewMemoryStore builds an in-process session store for development and tests.
func NewMemoryStore() Store {
	return &memoryStore{sessions: make(map[string]map[string][]byte)}
}

func (s *memoryStore) Get(_ context.Context, sid, key string, dst any) (bool, error) {
	if sid == "" {
		return false, ErrNoSession
	}
	s.mu.Lock()
	raw, ok := s.sessions[sid][key]
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode session value %s: %w", key, err)
	}
	return true, nil
}

func (s *memoryStore) Set(_ context.Context, sid, key string, value any) error {
	if sid == "" {
		return ErrNoSession
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode session value %s: %w", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	values, ok := s.sessions[sid]
	if !ok {
		values = make(map[string][]byte)
		s.sessions[sid] = values
	}
	values[key] = payload
	return nil
}

func (s *memoryStore) Pull(_ context.Context, sid, key string, dst any) (bool, error) {
	if sid == "" {
		return false, ErrNoSession
	}
	s.mu.Lock()
	raw, ok := s.sessions[sid][key]
	if ok {
		delete(s.sessions[sid], key)
	}
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return false, fmt.Errorf("decode session value %s: %w", key, err)
	}
	return true, nil
}

func (s *memoryStore) Delete(_ context.Context, sid, key string) error {
	if sid == "" {
		return ErrNoSession
	}
	s.mu.Lock()
	delete(s.sessions[sid], key)
	s.mu.Unlock()
	return nil
}

func (s *memoryStore) Destroy(_ context.Context, sid string) error {
	if sid == "" {
		return ErrNoSession
	}
	s.mu.Lock()
	delete(s.sessions, sid)
	s.mu.Unlock()
	return nil
}

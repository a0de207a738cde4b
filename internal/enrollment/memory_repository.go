package enrollment

import (
	"context"
	"sync"
	"time"
)

type memoryRepository struct {
	mu          sync.RWMutex
	enrollments map[string]Enrollment
}

// NewMemoryRepository builds an in-memory enrollment store for testing.
func NewMemoryRepository() Repository {
	return &memoryRepository{enrollments: make(map[string]Enrollment)}
}

func (r *memoryRepository) Get(_ context.Context, userID string) (Enrollment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.enrollments[userID]
	if !ok {
		return Enrollment{}, ErrNotFound
	}
	return e, nil
}

func (r *memoryRepository) Save(_ context.Context, e Enrollment) error {
	if e.Liveness != nil {
		clean := e.Liveness.Sanitized()
		e.Liveness = &clean
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.enrollments[e.UserID] = e
	return nil
}

func (r *memoryRepository) MarkVerified(_ context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.enrollments[userID]
	if !ok {
		return ErrNotFound
	}
	at = at.UTC()
	e.Status = StatusVerified
	e.LastVerifiedAt = &at
	e.UpdatedAt = at
	r.enrollments[userID] = e
	return nil
}

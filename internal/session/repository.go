package session

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Repository defines the concurrency-safe contract for accessing and mutating
// sessions.
type Repository interface {
	// Create stores a new session. It fails if the ID is taken.
	Create(s *Session) error

	// Update runs fn with exclusive access to the session and marks it as
	// seen. Ended sessions are rejected.
	Update(id ID, fn func(*Session) error) error

	// Delete ends and removes a session.
	Delete(id ID) error

	// ReapIdle ends and removes sessions not seen since before, returning
	// their IDs in order.
	ReapIdle(before time.Time) []ID

	// ActiveCount returns the number of sessions that are not ended.
	// Used for metrics.
	ActiveCount() int
}

var (
	// ErrNotFound is returned for unknown session IDs.
	ErrNotFound = errors.New("session not found")

	// ErrSessionEnded is returned when a call races with the session's removal.
	ErrSessionEnded = errors.New("session has ended")

	// ErrSessionExists is returned by Create for duplicate IDs.
	ErrSessionExists = errors.New("session already exists")
)

// InMemoryRepository is a concurrency-safe in-memory implementation of Repository.
// The repository lock guards the store; each session's own lock serializes
// calls into its core, so sessions progress independently.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
	now   func() time.Time
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
// Useful for testing or for plugging in a different persistence backend.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store, now: time.Now}
}

// SetClock replaces the clock used for LastSeen.
func (r *InMemoryRepository) SetClock(now func() time.Time) { r.now = now }

// Create implements Repository.Create.
func (r *InMemoryRepository) Create(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.Get(s.ID); exists {
		return ErrSessionExists
	}
	r.store.Set(s)
	return nil
}

// Update implements Repository.Update.
func (r *InMemoryRepository) Update(id ID, fn func(*Session) error) error {
	r.mu.RLock()
	s, ok := r.store.Get(id)
	r.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Ended {
		return ErrSessionEnded
	}
	s.LastSeen = r.now()
	return fn(s)
}

// Delete implements Repository.Delete.
func (r *InMemoryRepository) Delete(id ID) error {
	r.mu.Lock()
	s, ok := r.store.Get(id)
	if ok {
		r.store.Delete(id)
	}
	r.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	s.mu.Lock()
	s.Ended = true
	s.mu.Unlock()
	return nil
}

// ReapIdle implements Repository.ReapIdle.
func (r *InMemoryRepository) ReapIdle(before time.Time) []ID {
	r.mu.Lock()
	defer r.mu.Unlock()

	var reaped []ID
	for _, id := range r.store.List() {
		s, ok := r.store.Get(id)
		if !ok {
			continue
		}
		s.mu.Lock()
		if s.LastSeen.Before(before) {
			s.Ended = true
			r.store.Delete(id)
			reaped = append(reaped, id)
		}
		s.mu.Unlock()
	}
	sort.Slice(reaped, func(i, j int) bool { return reaped[i] < reaped[j] })
	return reaped
}

// ActiveCount implements Repository.ActiveCount.
func (r *InMemoryRepository) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, id := range r.store.List() {
		if s, ok := r.store.Get(id); ok && !s.Ended {
			n++
		}
	}
	return n
}

// Package session tracks open conversations. Each session owns one
// conversation log and runs at most one question at a time.
package session

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/duckmesh/biagent/internal/conversation"
)

var (
	ErrNotFound = errors.New("session not found")
	ErrBusy     = errors.New("session is answering another question")
)

type Session struct {
	ID        string
	OwnerID   string
	Title     string
	CreatedAt time.Time
	Log       *conversation.Log

	busy atomic.Bool
}

// TryAcquire claims the session for one question. It returns false when a
// question is already running.
func (s *Session) TryAcquire() bool {
	return s.busy.CompareAndSwap(false, true)
}

func (s *Session) Release() {
	s.busy.Store(false)
}

func (s *Session) Busy() bool {
	return s.busy.Load()
}

type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	clock    func() time.Time
	onChange func(count int)
}

// NewRegistry returns an empty registry. onChange, when set, is called with
// the session count after every create or delete.
func NewRegistry(onChange func(count int)) *Registry {
	return &Registry{sessions: map[string]*Session{}, clock: time.Now, onChange: onChange}
}

func (r *Registry) Create(ownerID, title string) *Session {
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New analysis"
	}
	session := &Session{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Title:     title,
		CreatedAt: r.clock().UTC(),
		Log:       conversation.NewLog(),
	}
	r.mu.Lock()
	r.sessions[session.ID] = session
	count := len(r.sessions)
	r.mu.Unlock()
	r.notify(count)
	return session
}

// Get returns the session when it exists and belongs to ownerID. Sessions
// of other owners are reported as not found.
func (r *Registry) Get(id, ownerID string) (*Session, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	r.mu.RLock()
	session, ok := r.sessions[id]
	r.mu.RUnlock()
	if !ok || session.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return session, nil
}

func (r *Registry) List(ownerID string) []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		if session.OwnerID == ownerID {
			out = append(out, session)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}

// Delete removes an idle session. A session with a running question cannot
// be deleted.
func (r *Registry) Delete(id, ownerID string) error {
	session, err := r.Get(id, ownerID)
	if err != nil {
		return err
	}
	if session.Busy() {
		return ErrBusy
	}
	r.mu.Lock()
	delete(r.sessions, id)
	count := len(r.sessions)
	r.mu.Unlock()
	r.notify(count)
	return nil
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

func (r *Registry) notify(count int) {
	if r.onChange != nil {
		r.onChange(count)
	}
}

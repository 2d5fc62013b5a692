// Package session tracks stream sessions and orchestrates their workers,
// results and push notifications.
package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentease/streamrelay/internal/model"
	"github.com/agentease/streamrelay/internal/worker"
)

// entry is the registry's record of one session.
type entry struct {
	session    model.Session
	worker     *worker.Handle
	generation uint64
}

// Registry maps session IDs to their state. It implements
// worker.SessionStore.
type Registry struct {
	killGrace time.Duration

	mu       sync.RWMutex
	sessions map[string]*entry
}

// NewRegistry creates a registry. killGrace bounds how long Remove waits for
// a terminated worker before force killing it.
func NewRegistry(killGrace time.Duration) *Registry {
	return &Registry{
		killGrace: killGrace,
		sessions:  make(map[string]*entry),
	}
}

var _ worker.SessionStore = (*Registry)(nil)

// Create registers a new session. A duplicate ID is rejected with
// model.ErrSessionExists and leaves the existing session untouched.
func (r *Registry) Create(id, userID, streamRef string) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[id]; exists {
		return model.Session{}, model.ErrSessionExists
	}

	e := &entry{
		session: model.Session{
			ID:        id,
			UserID:    userID,
			StreamRef: streamRef,
			State:     model.SessionStateCreated,
			StartedAt: time.Now().UTC(),
		},
	}
	r.sessions[id] = e
	return e.snapshot(), nil
}

// Get returns a snapshot of a live session.
func (r *Registry) Get(id string) (model.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok || e.session.State == model.SessionStateTornDown {
		return model.Session{}, false
	}
	return e.snapshot(), true
}

// Lookup returns the owner and stream reference of a live session.
func (r *Registry) Lookup(id string) (string, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.sessions[id]
	if !ok || e.session.State == model.SessionStateTornDown {
		return "", "", false
	}
	return e.session.UserID, e.session.StreamRef, true
}

// AttachWorker makes h the session's worker and returns its generation along
// with the handle it replaced. The caller is responsible for killing the
// previous handle.
func (r *Registry) AttachWorker(id string, h *worker.Handle) (uint64, *worker.Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok || e.session.State == model.SessionStateTornDown {
		return 0, nil, model.ErrSessionNotFound
	}

	previous := e.worker
	e.generation++
	e.worker = h
	e.session.State = model.SessionStateWorkerRunning
	return e.generation, previous, nil
}

// ClearWorker clears the session's worker if generation is still the current
// one. Exits of superseded workers are ignored.
func (r *Registry) ClearWorker(id string, generation uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.sessions[id]
	if !ok || e.session.State == model.SessionStateTornDown {
		return false
	}
	if e.worker == nil || e.generation != generation {
		return false
	}

	e.worker = nil
	e.session.State = model.SessionStateWorkerIdle
	return true
}

// Remove tears a session down. Its worker, if any, is terminated and waited
// for before the entry is deleted. Removing an unknown session returns
// model.ErrSessionNotFound.
func (r *Registry) Remove(ctx context.Context, id string) (model.Session, error) {
	r.mu.Lock()
	e, ok := r.sessions[id]
	if !ok || e.session.State == model.SessionStateTornDown {
		r.mu.Unlock()
		return model.Session{}, model.ErrSessionNotFound
	}
	e.session.State = model.SessionStateTornDown
	h := e.worker
	e.worker = nil
	snapshot := e.snapshot()
	r.mu.Unlock()

	var stopErr error
	if h != nil {
		stopCtx, cancel := context.WithTimeout(ctx, r.killGrace+time.Second)
		stopErr = h.Stop(stopCtx)
		cancel()
	}

	r.mu.Lock()
	delete(r.sessions, id)
	r.mu.Unlock()

	return snapshot, stopErr
}

// ListByOwner returns the owner's live sessions, oldest first.
func (r *Registry) ListByOwner(userID string) []model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]model.Session, 0)
	for _, e := range r.sessions {
		if e.session.UserID == userID && e.session.State != model.SessionStateTornDown {
			sessions = append(sessions, e.snapshot())
		}
	}
	sortByStart(sessions)
	return sessions
}

// List returns every live session, oldest first.
func (r *Registry) List() []model.Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]model.Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		if e.session.State != model.SessionStateTornDown {
			sessions = append(sessions, e.snapshot())
		}
	}
	sortByStart(sessions)
	return sessions
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.sessions {
		if e.session.State != model.SessionStateTornDown {
			n++
		}
	}
	return n
}

// CountByOwner returns the number of live sessions of one owner.
func (r *Registry) CountByOwner(userID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, e := range r.sessions {
		if e.session.UserID == userID && e.session.State != model.SessionStateTornDown {
			n++
		}
	}
	return n
}

func (e *entry) snapshot() model.Session {
	s := e.session
	s.WorkerGeneration = e.generation
	if e.worker != nil {
		pid := e.worker.PID()
		s.WorkerPID = &pid
	}
	return s
}

func sortByStart(sessions []model.Session) {
	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].StartedAt.Equal(sessions[j].StartedAt) {
			return sessions[i].ID < sessions[j].ID
		}
		return sessions[i].StartedAt.Before(sessions[j].StartedAt)
	})
}

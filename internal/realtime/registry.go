// Package realtime tracks live connections per user and writes events to
// them.
package realtime

import (
	"slices"
	"sync"
	"time"

	"directline/internal/model"
)

// Handle is one live connection that events can be pushed to.
type Handle interface {
	ID() string
	Push(ev model.Event) error
	Close() error
}

// TransitionFunc is called when a user goes online (first handle) or
// offline (last handle gone). It runs while the registry lock is held and
// must not block.
type TransitionFunc func(userID string, online bool)

type entry struct {
	handle      Handle
	connectedAt time.Time
}

// Registry maps a user identity to the set of that user's live handles.
type Registry struct {
	mu           sync.RWMutex
	users        map[string]map[string]entry
	onTransition TransitionFunc
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		users: make(map[string]map[string]entry),
	}
}

// OnTransition installs fn as the online/offline listener.
func (r *Registry) OnTransition(fn TransitionFunc) {
	r.mu.Lock()
	r.onTransition = fn
	r.mu.Unlock()
}

// Register adds h to the user's set and reports whether this was the
// user's first handle.
func (r *Registry) Register(userID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles, ok := r.users[userID]
	if !ok {
		handles = make(map[string]entry)
		r.users[userID] = handles
	}
	handles[h.ID()] = entry{handle: h, connectedAt: time.Now()}

	first := len(handles) == 1
	if first && r.onTransition != nil {
		r.onTransition(userID, true)
	}
	return first
}

// Deregister removes h and reports whether the user is now offline.
// Removing an unknown handle is a no-op.
func (r *Registry) Deregister(userID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles, ok := r.users[userID]
	if !ok {
		return false
	}
	if _, ok := handles[h.ID()]; !ok {
		return false
	}
	delete(handles, h.ID())
	if len(handles) > 0 {
		return false
	}

	delete(r.users, userID)
	if r.onTransition != nil {
		r.onTransition(userID, false)
	}
	return true
}

// ActiveHandles returns a snapshot of the user's handles, oldest first.
// The result is empty when the user is offline.
func (r *Registry) ActiveHandles(userID string) []Handle {
	r.mu.RLock()
	handles := r.users[userID]
	entries := make([]entry, 0, len(handles))
	for _, e := range handles {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(entries, func(a, b entry) int {
		return a.connectedAt.Compare(b.connectedAt)
	})
	out := make([]Handle, len(entries))
	for i, e := range entries {
		out[i] = e.handle
	}
	return out
}

// IsOnline reports whether the user holds at least one handle.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// ConnectedAt returns when h was registered for userID.
func (r *Registry) ConnectedAt(userID string, h Handle) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.users[userID][h.ID()]
	return e.connectedAt, ok
}

// Stats returns the number of online users and live handles.
func (r *Registry) Stats() (users, handles int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, hs := range r.users {
		handles += len(hs)
	}
	return len(r.users), handles
}

// CloseAll closes every registered handle. Handles are deregistered by
// their owners as their read loops exit.
func (r *Registry) CloseAll() {
	r.mu.RLock()
	snapshot := make([]Handle, 0)
	for _, hs := range r.users {
		for _, e := range hs {
			snapshot = append(snapshot, e.handle)
		}
	}
	r.mu.RUnlock()

	for _, h := range snapshot {
		_ = h.Close()
	}
}

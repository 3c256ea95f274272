package session

import (
	"context"
	"sync"
)

// Transport is the outbound half of a client connection. Implementations
// must serialize their own writes; Send is called from both the handler
// and pipeline goroutines.
type Transport interface {
	Send(ctx context.Context, msg any) error
}

// Entry pairs a live transport with its connection state.
type Entry struct {
	Transport Transport
	State     *State
}

// Registry maps client ids to live connections. It is the single source
// of truth for who is connected; entries are added on accept and removed
// on disconnect (or on a failed send, treated as an implicit disconnect).
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Add registers a connection, replacing any previous entry for the same
// client id. Returns the new entry.
func (r *Registry) Add(clientID string, transport Transport, state *State) *Entry {
	entry := &Entry{Transport: transport, State: state}
	r.mu.Lock()
	r.entries[clientID] = entry
	r.mu.Unlock()
	return entry
}

// Remove drops the connection for clientID. Removing an absent id is a
// no-op.
func (r *Registry) Remove(clientID string) {
	r.mu.Lock()
	delete(r.entries, clientID)
	r.mu.Unlock()
}

// RemoveEntry drops the connection for clientID only when the registered
// entry is still the given one. A stale connection closing after its id
// was taken over by a reconnect must not evict the live replacement.
func (r *Registry) RemoveEntry(clientID string, entry *Entry) {
	r.mu.Lock()
	if r.entries[clientID] == entry {
		delete(r.entries, clientID)
	}
	r.mu.Unlock()
}

// Lookup returns the live entry for clientID.
func (r *Registry) Lookup(clientID string) (*Entry, bool) {
	r.mu.RLock()
	entry, ok := r.entries[clientID]
	r.mu.RUnlock()
	return entry, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// ClientIDs returns the ids of all live connections.
func (r *Registry) ClientIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

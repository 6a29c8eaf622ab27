package dispatch

import "sync"

// Registry is the process-local index of in-flight sessions, used by tool
// lookups that must not pay for a disk read. It is hydrated from the store at
// boot and kept in sync by the pipeline; the store remains the source of
// truth.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]SessionMapping
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]SessionMapping)}
}

// HydrateFromStore replaces the registry contents with the store's session
// map. Called once at process start, before any pipeline runs.
func (r *Registry) HydrateFromStore(st *State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]SessionMapping, len(st.SessionMap))
	for k, m := range st.SessionMap {
		r.sessions[k] = m
	}
}

// Put records a session mapping.
func (r *Registry) Put(sessionKey string, m SessionMapping) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[sessionKey] = m
}

// Lookup returns the mapping for a session key.
func (r *Registry) Lookup(sessionKey string) (SessionMapping, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.sessions[sessionKey]
	return m, ok
}

// Remove drops a session key.
func (r *Registry) Remove(sessionKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionKey)
}

// RemoveDispatch drops every session belonging to a dispatch.
func (r *Registry) RemoveDispatch(dispatchID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, m := range r.sessions {
		if m.DispatchID == dispatchID {
			delete(r.sessions, k)
		}
	}
}

// Len reports the number of tracked sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

package server

import "sync"

// Handle describes one managed server instance.
type Handle struct {
	BaseURL        string
	Host           string
	Port           int
	PID            int
	LogPath        string
	ExtraPathsFile string
}

// Registry tracks running server handles by base URL. A shared registry
// lets callers discover servers started elsewhere in the process; managers
// default to their own private registry.
type Registry struct {
	mu      sync.RWMutex
	servers map[string]*Handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{servers: make(map[string]*Handle)}
}

// Add records a handle, replacing any previous entry for the same URL.
func (r *Registry) Add(h *Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[h.BaseURL] = h
}

// Remove drops the handle for the given base URL.
func (r *Registry) Remove(baseURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, baseURL)
}

// Get looks a handle up by base URL.
func (r *Registry) Get(baseURL string) (*Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.servers[baseURL]
	return h, ok
}

// List returns a snapshot of all registered handles.
func (r *Registry) List() []*Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Handle, 0, len(r.servers))
	for _, h := range r.servers {
		out = append(out, h)
	}
	return out
}

package transport

import (
	"sync"
)

// Registry hands out one shared Client per server and credential pair.
// It replaces process-wide singletons: each Registry is independent, so
// tests and multi-tenant programs can hold isolated sets of connections.
type Registry struct {
	mu      sync.Mutex
	opts    []Option
	clients map[registryKey]*Client
}

type registryKey struct {
	serverURL string
	apiUser   string
	apiKey    string
}

// NewRegistry creates a Registry. opts are applied to every Client it creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		opts:    opts,
		clients: make(map[registryKey]*Client),
	}
}

// Get returns the Client for the given key, creating it if needed.
// forceNew disconnects any existing Client for the key and replaces it.
// extra options apply only when a new Client is created.
func (r *Registry) Get(serverURL, apiUser, apiKey string, forceNew bool, extra ...Option) *Client {
	key := registryKey{serverURL: serverURL, apiUser: apiUser, apiKey: apiKey}

	r.mu.Lock()
	existing, ok := r.clients[key]
	if ok && !forceNew {
		r.mu.Unlock()
		return existing
	}

	opts := make([]Option, 0, len(r.opts)+len(extra))
	opts = append(opts, r.opts...)
	opts = append(opts, extra...)
	c := New(serverURL, apiUser, apiKey, opts...)
	r.clients[key] = c
	r.mu.Unlock()

	if ok {
		existing.Disconnect()
	}
	return c
}

// Len returns the number of clients held.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Close disconnects and forgets every client.
func (r *Registry) Close() {
	r.mu.Lock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.clients = make(map[registryKey]*Client)
	r.mu.Unlock()

	for _, c := range clients {
		c.Disconnect()
	}
}

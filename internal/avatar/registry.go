package avatar

import (
	"errors"
	"sync"
)

var ErrNotFound = errors.New("avatar connection not found")

// Registry maps client connection ids to their negotiators so the HTTP offer
// endpoint can reach the right in-flight session.
type Registry struct {
	mu          sync.RWMutex
	negotiators map[string]*Negotiator
}

func NewRegistry() *Registry {
	return &Registry{negotiators: make(map[string]*Negotiator)}
}

func (r *Registry) Register(connectionID string, n *Negotiator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.negotiators[connectionID] = n
}

func (r *Registry) Get(connectionID string) (*Negotiator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.negotiators[connectionID]
	if !ok {
		return nil, ErrNotFound
	}
	return n, nil
}

func (r *Registry) Remove(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.negotiators, connectionID)
}

func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.negotiators)
}

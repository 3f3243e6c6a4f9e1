// registry.go
// The set of live connections, keyed by connection id.

package relay

import (
	"strings"
	"sync"

	"golang.org/x/exp/slices"
)

// Peer is one registered connection as seen by the relay core.
type Peer interface {
	ID() string
	// Deliver queues frame for sending. It reports false when the frame was
	// dropped because the peer is gone or cannot keep up.
	Deliver(frame []byte) bool
}

// Registry tracks the connected peers keyed by id.
// Thread-safe: a single RWMutex guards the set.
type Registry struct {
	mu    sync.RWMutex
	peers map[string]Peer
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]Peer)}
}

// Register adds p. It returns false and leaves the set untouched when the id is
// already present.
func (r *Registry) Register(p Peer) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.ID()]; ok {
		return false
	}
	r.peers[p.ID()] = p
	return true
}

// Unregister removes id. It returns false when id was not registered, so only
// one caller ever observes the removal.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[id]; !ok {
		return false
	}
	delete(r.peers, id)
	return true
}

// Get returns the peer registered under id.
func (r *Registry) Get(id string) (Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// Members returns a snapshot of the registered peers ordered by id. The
// registry may change while the caller iterates the snapshot.
func (r *Registry) Members() []Peer {
	r.mu.RLock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b Peer) int {
		return strings.Compare(a.ID(), b.ID())
	})
	return out
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

package routing

import (
	"crypto/rand"
	"math/big"
	"sync"

	"github.com/opd-ai/routecore/crypto"
)

// randomNodeCapacity bounds the recent-source ring.
const randomNodeCapacity = 100

// randomNodeHelper keeps a bounded set of recently seen source identities,
// used when an operation needs an arbitrary live node.
type randomNodeHelper struct {
	mu    sync.Mutex
	nodes []crypto.NodeID
}

// Add records an identity, displacing the oldest when full.
func (h *randomNodeHelper) Add(id crypto.NodeID) {
	if id.IsZero() {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, existing := range h.nodes {
		if existing.Equal(id) {
			return
		}
	}
	if len(h.nodes) >= randomNodeCapacity {
		h.nodes = h.nodes[1:]
	}
	h.nodes = append(h.nodes, id)
}

// Remove forgets an identity.
func (h *randomNodeHelper) Remove(id crypto.NodeID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, existing := range h.nodes {
		if existing.Equal(id) {
			h.nodes = append(h.nodes[:i], h.nodes[i+1:]...)
			return
		}
	}
}

// Get returns a uniformly random recorded identity, or zero when empty.
func (h *randomNodeHelper) Get() crypto.NodeID {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.nodes) == 0 {
		return crypto.NodeID{}
	}

	index, err := rand.Int(rand.Reader, big.NewInt(int64(len(h.nodes))))
	if err != nil {
		return h.nodes[0]
	}
	return h.nodes[index.Int64()]
}

// Size returns the number of recorded identities.
func (h *randomNodeHelper) Size() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.nodes)
}

package cluster

import (
	"sync"

	"github.com/CefBoud/monpost/types"
)

// Membership tells a broker which other brokers take part in topic ownership.
// Peers excludes the broker itself and its order is significant for routing.
type Membership interface {
	Peers() []types.ConnectionInfo
}

// Static is a fixed, configured list of peers
type Static struct {
	mu    sync.RWMutex
	peers []types.ConnectionInfo
}

// NewStatic returns a membership over the given peers
func NewStatic(peers ...types.ConnectionInfo) *Static {
	return &Static{peers: append([]types.ConnectionInfo(nil), peers...)}
}

// Peers implements Membership
func (s *Static) Peers() []types.ConnectionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.ConnectionInfo(nil), s.peers...)
}

// Add appends a peer, as when a broker registers with the leader
func (s *Static) Add(peer types.ConnectionInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.peers {
		if p == peer {
			return
		}
	}
	s.peers = append(s.peers, peer)
}

package broker

import "github.com/CefBoud/monpost/types"

// Owner applies the hash ownership rule from the point of view of self:
// index |hash| mod (N+1) over the N peers, N itself meaning self.
// Ownership is advisory, it moves whenever the peer count changes.
func Owner(topic string, self types.ConnectionInfo, peers []types.ConnectionInfo) types.ConnectionInfo {
	idx := types.OwnerIndex(topic, len(peers))
	if idx == len(peers) {
		return self
	}
	return peers[idx]
}

package cluster

import (
	"encoding/json"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/CefBoud/monpost/types"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
)

// FSM is the finite-state-machine of the raft log: the ordered broker registry.
// Registration order is the peer order every broker routes with.
type FSM struct {
	logger hclog.Logger

	mu    sync.RWMutex
	nodes []types.Node
}

// NewFSM returns an empty registry
func NewFSM(logger hclog.Logger) *FSM {
	return &FSM{logger: logger}
}

// StoreNode registers a node, or updates its address if it is already known
func (f *FSM) StoreNode(node types.Node) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.nodes {
		if f.nodes[i].ID == node.ID {
			f.nodes[i].Addr = node.Addr
			return
		}
	}
	f.nodes = append(f.nodes, node)
}

// DeleteNode removes a node, keeping the order of the others
func (f *FSM) DeleteNode(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nodes = slices.DeleteFunc(f.nodes, func(n types.Node) bool { return n.ID == id })
}

// GetNode retrieves a registered node
func (f *FSM) GetNode(id string) (types.Node, bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	for _, n := range f.nodes {
		if n.ID == id {
			return n, true
		}
	}
	return types.Node{}, false
}

// Nodes returns the registry in registration order
func (f *FSM) Nodes() []types.Node {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.nodes)
}

// Apply applies a `raft.Log` to the FSM
func (f *FSM) Apply(log *raft.Log) any {
	switch log.Type {
	case raft.LogCommand:
		var cmd Command
		if err := json.Unmarshal(log.Data, &cmd); err != nil {
			return fmt.Errorf("could not parse payload: %w", err)
		}
		return f.ApplyCommand(cmd)
	default:
		return fmt.Errorf("unknown raft log type: %v", log.Type)
	}
}

type registrySnapshot struct {
	nodes []types.Node
}

func (s registrySnapshot) Persist(sink raft.SnapshotSink) error {
	if err := json.NewEncoder(sink).Encode(s.nodes); err != nil {
		sink.Cancel()
		return err
	}
	return sink.Close()
}

func (s registrySnapshot) Release() {}

// Snapshot captures the registry
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	return registrySnapshot{nodes: f.Nodes()}, nil
}

// Restore replaces the registry with a snapshot
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	var nodes []types.Node
	if err := json.NewDecoder(rc).Decode(&nodes); err != nil {
		return fmt.Errorf("could not decode registry snapshot: %w", err)
	}
	f.mu.Lock()
	f.nodes = nodes
	f.mu.Unlock()
	f.logger.Info("restored broker registry", "nodes", len(nodes))
	return nil
}

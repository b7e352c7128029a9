package cluster

import (
	"encoding/json"
	"fmt"

	"github.com/CefBoud/monpost/types"
)

// CommandType is a raft log command type
type CommandType int

// Commands that can be applied to the raft log to change the broker registry
const (
	AddNode CommandType = iota
	RemoveNode
)

func (c CommandType) String() string {
	switch c {
	case AddNode:
		return "AddNode"
	case RemoveNode:
		return "RemoveNode"
	}
	return fmt.Sprintf("CommandType(%d)", int(c))
}

// Command represents a command type with its payload
type Command struct {
	Kind    CommandType
	Payload json.RawMessage
}

// ApplyCommand changes the registry according to cmd
func (f *FSM) ApplyCommand(cmd Command) error {
	var node types.Node
	if err := json.Unmarshal(cmd.Payload, &node); err != nil {
		return fmt.Errorf("could not parse %s payload: %w", cmd.Kind, err)
	}
	switch cmd.Kind {
	case AddNode:
		f.StoreNode(node)
	case RemoveNode:
		f.DeleteNode(node.ID)
	default:
		return fmt.Errorf("unknown command type: %v", cmd.Kind)
	}
	f.logger.Debug("applied command", "kind", cmd.Kind, "node", node.ID, "addr", node.Addr.String())
	return nil
}

// EncodeLogEntry converts a raft log entry into bytes
func EncodeLogEntry(kind CommandType, entry any) ([]byte, error) {
	payload, err := json.Marshal(entry)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Command{Kind: kind, Payload: payload})
}

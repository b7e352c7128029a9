package cluster

import (
	"fmt"

	"github.com/CefBoud/monpost/types"
	hraft "github.com/hashicorp/raft"
	"github.com/hashicorp/serf/serf"
)

func memberNode(m serf.Member) (types.Node, error) {
	addr, err := types.ParseConnectionInfo(m.Tags["broker_addr"])
	if err != nil {
		return types.Node{}, fmt.Errorf("member %s has a bad broker_addr: %w", m.Name, err)
	}
	return types.Node{ID: m.Tags["raft_server_id"], Addr: addr}, nil
}

func brokers(members []serf.Member) []serf.Member {
	var res []serf.Member
	for _, m := range members {
		if m.Tags["role"] == roleBroker {
			res = append(res, m)
		}
	}
	return res
}

// handleMemberJoin makes joining brokers raft voters and registers them. Leader only.
func (c *Cluster) handleMemberJoin(members []serf.Member) error {
	if !c.IsLeader() {
		c.logger.Debug("not the leader, ignoring join event")
		return nil
	}
	servers, err := c.getRaftServers()
	if err != nil {
		return err
	}
	for _, m := range brokers(members) {
		node, err := memberNode(m)
		if err != nil {
			return err
		}
		raftAddr := hraft.ServerAddress(m.Tags["raft_addr"])
		known := false
		for _, s := range servers {
			if s.Address == raftAddr {
				known = true
				break
			}
		}
		if !known {
			c.logger.Info("adding voter to the raft cluster", "node", node.ID, "raft_addr", raftAddr)
			if err := c.Raft.AddVoter(hraft.ServerID(node.ID), raftAddr, 0, 0).Error(); err != nil {
				return fmt.Errorf("add voter %s: %w", node.ID, err)
			}
		}
		if registered, ok := c.FSM.GetNode(node.ID); ok && registered.Addr == node.Addr {
			continue
		}
		if err := c.appendEntry(AddNode, node); err != nil {
			return fmt.Errorf("register %s: %w", node.ID, err)
		}
		c.logger.Info("broker registered", "node", node.ID, "addr", node.Addr.String())
	}
	return nil
}

// handleMemberLeft removes departed brokers from raft and from the registry. Leader only.
func (c *Cluster) handleMemberLeft(members []serf.Member) error {
	if !c.IsLeader() {
		c.logger.Debug("not the leader, ignoring leave event")
		return nil
	}
	servers, err := c.getRaftServers()
	if err != nil {
		return err
	}
	for _, m := range brokers(members) {
		id := m.Tags["raft_server_id"]
		if id == c.config.NodeID {
			continue
		}
		for _, s := range servers {
			if s.ID == hraft.ServerID(id) {
				c.logger.Info("removing member from raft cluster", "node", id)
				if err := c.Raft.RemoveServer(s.ID, 0, 0).Error(); err != nil {
					return fmt.Errorf("remove server %s: %w", id, err)
				}
			}
		}
		if _, ok := c.FSM.GetNode(id); ok {
			if err := c.appendEntry(RemoveNode, types.Node{ID: id}); err != nil {
				return fmt.Errorf("unregister %s: %w", id, err)
			}
			c.logger.Info("broker unregistered", "node", id)
		}
	}
	return nil
}

// reconcile registers the leader itself and every alive broker serf knows about
func (c *Cluster) reconcile() error {
	if _, ok := c.FSM.GetNode(c.config.NodeID); !ok {
		self := types.Node{ID: c.config.NodeID, Addr: c.config.BrokerAddr}
		if err := c.appendEntry(AddNode, self); err != nil {
			return fmt.Errorf("register self: %w", err)
		}
	}
	var alive []serf.Member
	for _, m := range c.Serf.Members() {
		if m.Status == serf.StatusAlive && m.Tags["raft_server_id"] != c.config.NodeID {
			alive = append(alive, m)
		}
	}
	return c.handleMemberJoin(alive)
}

package cluster

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/CefBoud/monpost/logging"
	"github.com/CefBoud/monpost/types"
	"github.com/CefBoud/monpost/utils"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/memberlist"
	hraft "github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/hashicorp/serf/serf"
)

const (
	// serfEventChSize is the size of the buffered channel to get Serf
	// events. If this is exhausted we will block Serf and Memberlist.
	serfEventChSize = 2048

	applyTimeout = 10 * time.Second
	leaveDrain   = time.Second

	roleBroker = "broker"
)

// Config describes the local broker's place in the cluster
type Config struct {
	NodeID          string
	BrokerAddr      types.ConnectionInfo // advertised to the other brokers
	DataDir         string
	Bootstrap       bool
	RaftAddress     string
	SerfAddress     string
	SerfJoinAddress []string
	Logger          hclog.Logger
}

// Cluster is a Membership backed by serf gossip and a raft-replicated registry.
// The raft leader registers brokers as serf reports them.
type Cluster struct {
	config Config
	logger hclog.Logger

	Serf *serf.Serf
	Raft *hraft.Raft
	FSM  *FSM

	store     *raftboltdb.BoltStore
	transport *hraft.NetworkTransport

	raftNotifyCh <-chan bool
	serfEventCh  chan serf.Event
	shutdownCh   chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// New starts raft and serf and joins the configured serf members
func New(config Config) (*Cluster, error) {
	logger := logging.OrDiscard(config.Logger)
	c := &Cluster{
		config:      config,
		logger:      logger,
		FSM:         NewFSM(logger.Named("fsm")),
		serfEventCh: make(chan serf.Event, serfEventChSize),
		shutdownCh:  make(chan struct{}),
	}
	if err := c.setupRaft(); err != nil {
		c.closeRaft()
		return nil, fmt.Errorf("raft setup failed: %w", err)
	}
	if err := c.setupSerf(); err != nil {
		c.closeRaft()
		return nil, fmt.Errorf("serf setup failed: %w", err)
	}
	c.wg.Add(2)
	go c.handleSerfEvents()
	go c.monitorLeadership()
	return c, nil
}

// Peers implements Membership: the registered brokers other than this one, in registration order
func (c *Cluster) Peers() []types.ConnectionInfo {
	var peers []types.ConnectionInfo
	for _, n := range c.FSM.Nodes() {
		if n.ID != c.config.NodeID {
			peers = append(peers, n.Addr)
		}
	}
	return peers
}

// IsLeader reports whether this broker is the raft leader
func (c *Cluster) IsLeader() bool {
	return c.Raft.State() == hraft.Leader
}

func (c *Cluster) setupRaft() error {
	dir := filepath.Join(c.config.DataDir, "raft")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("could not create data directory: %w", err)
	}

	store, err := raftboltdb.NewBoltStore(filepath.Join(dir, "bolt"))
	if err != nil {
		return fmt.Errorf("could not create bolt store: %w", err)
	}
	c.store = store

	snapshots, err := hraft.NewFileSnapshotStoreWithLogger(filepath.Join(dir, "snapshot"), 2, c.logger.Named("snapshot"))
	if err != nil {
		return fmt.Errorf("could not create snapshot store: %w", err)
	}

	tcpAddr, err := net.ResolveTCPAddr("tcp", c.config.RaftAddress)
	if err != nil {
		return fmt.Errorf("could not resolve address: %w", err)
	}
	transport, err := hraft.NewTCPTransportWithLogger(c.config.RaftAddress, tcpAddr, 10, 10*time.Second, c.logger.Named("transport"))
	if err != nil {
		return fmt.Errorf("could not create tcp transport: %w", err)
	}
	c.transport = transport

	raftCfg := hraft.DefaultConfig()
	raftCfg.LocalID = hraft.ServerID(c.config.NodeID)
	raftCfg.Logger = c.logger.Named("raft")
	// reliable leader transition notifications
	notifyCh := make(chan bool, 1)
	raftCfg.NotifyCh = notifyCh
	c.raftNotifyCh = notifyCh

	c.Raft, err = hraft.NewRaft(raftCfg, c.FSM, store, store, snapshots, transport)
	if err != nil {
		return fmt.Errorf("could not create raft instance: %w", err)
	}

	if !c.config.Bootstrap {
		return nil
	}
	hasState, err := hraft.HasExistingState(store, store, snapshots)
	if err != nil {
		return err
	}
	if hasState {
		c.logger.Debug("raft state found, not bootstrapping")
		return nil
	}
	c.logger.Info("bootstrapping raft", "node", c.config.NodeID)
	future := c.Raft.BootstrapCluster(hraft.Configuration{
		Servers: []hraft.Server{{ID: raftCfg.LocalID, Address: transport.LocalAddr()}},
	})
	return future.Error()
}

func (c *Cluster) setupSerf() error {
	conf := serf.DefaultConfig()
	conf.Init()
	conf.NodeName = c.config.NodeID

	bindIP, bindPort, err := net.SplitHostPort(c.config.SerfAddress)
	if err != nil {
		return err
	}
	conf.MemberlistConfig = memberlist.DefaultLANConfig()
	conf.MemberlistConfig.BindAddr = bindIP
	if conf.MemberlistConfig.BindPort, err = strconv.Atoi(bindPort); err != nil {
		return err
	}
	conf.MemberlistConfig.AdvertisePort = conf.MemberlistConfig.BindPort
	stdLogger := c.logger.Named("serf").StandardLogger(&hclog.StandardLoggerOptions{InferLevels: true})
	conf.Logger = stdLogger
	conf.MemberlistConfig.Logger = stdLogger

	conf.Tags["role"] = roleBroker
	conf.Tags["ID"] = c.config.NodeID
	conf.Tags["broker_addr"] = c.config.BrokerAddr.String()
	conf.Tags["raft_server_id"] = c.config.NodeID
	conf.Tags["raft_addr"] = c.config.RaftAddress

	conf.EventCh = c.serfEventCh
	conf.SnapshotPath = filepath.Join(c.config.DataDir, "serf", "snapshot")
	if err := utils.EnsurePath(conf.SnapshotPath, false); err != nil {
		return fmt.Errorf("could not create serf snapshot dir: %w", err)
	}

	c.Serf, err = serf.Create(conf)
	if err != nil {
		return err
	}
	if len(c.config.SerfJoinAddress) > 0 {
		n, err := c.Serf.Join(c.config.SerfJoinAddress, true)
		if err != nil {
			c.logger.Error("couldn't join cluster, starting own", "error", err)
		} else {
			c.logger.Info("serf join", "contacted", n, "members", len(c.Serf.Members()))
		}
	}
	return nil
}

func (c *Cluster) handleSerfEvents() {
	defer c.wg.Done()
	for {
		select {
		case e := <-c.serfEventCh:
			me, ok := e.(serf.MemberEvent)
			if !ok {
				continue
			}
			var err error
			switch me.EventType() {
			case serf.EventMemberJoin:
				err = c.handleMemberJoin(me.Members)
			case serf.EventMemberLeave, serf.EventMemberReap:
				err = c.handleMemberLeft(me.Members)
			case serf.EventMemberFailed:
				// failed members stay registered until serf reaps them
				for _, m := range me.Members {
					c.logger.Warn("broker failed", "node", m.Name, "addr", m.Addr.String())
				}
			}
			if err != nil {
				c.logger.Error("serf event handling failed", "event", me.EventType().String(), "error", err)
			}
		case <-c.shutdownCh:
			return
		}
	}
}

func (c *Cluster) monitorLeadership() {
	defer c.wg.Done()
	for {
		select {
		case isLeader := <-c.raftNotifyCh:
			c.logger.Info("raft leadership changed", "leader", isLeader)
			if isLeader {
				if err := c.reconcile(); err != nil {
					c.logger.Error("failed to reconcile members", "error", err)
				}
			}
		case <-c.shutdownCh:
			return
		}
	}
}

func (c *Cluster) getRaftServers() ([]hraft.Server, error) {
	configFuture := c.Raft.GetConfiguration()
	if err := configFuture.Error(); err != nil {
		return nil, fmt.Errorf("can't get raft configuration: %w", err)
	}
	return configFuture.Configuration().Servers, nil
}

// appendEntry adds a registry command to the raft log
func (c *Cluster) appendEntry(kind CommandType, node types.Node) error {
	data, err := EncodeLogEntry(kind, node)
	if err != nil {
		return err
	}
	future := c.Raft.Apply(data, applyTimeout)
	if err := future.Error(); err != nil {
		return err
	}
	if err, ok := future.Response().(error); ok && err != nil {
		return err
	}
	return nil
}

func (c *Cluster) closeRaft() error {
	var result *multierror.Error
	if c.Raft != nil {
		if err := c.Raft.Shutdown().Error(); err != nil {
			result = multierror.Append(result, fmt.Errorf("shutdown raft: %w", err))
		}
	}
	if c.transport != nil {
		if err := c.transport.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close raft transport: %w", err))
		}
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close raft store: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// Shutdown leaves the serf cluster and stops raft
func (c *Cluster) Shutdown() error {
	var result *multierror.Error
	c.shutdownOnce.Do(func() {
		if err := c.Serf.Leave(); err != nil {
			result = multierror.Append(result, fmt.Errorf("serf leave: %w", err))
		}
		// let the leader see the leave before going away
		time.Sleep(leaveDrain)
		close(c.shutdownCh)
		c.wg.Wait()
		if err := c.Serf.Shutdown(); err != nil {
			result = multierror.Append(result, fmt.Errorf("serf shutdown: %w", err))
		}
		if err := c.closeRaft(); err != nil {
			result = multierror.Append(result, err)
		}
	})
	return result.ErrorOrNil()
}

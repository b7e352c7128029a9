package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CefBoud/monpost/cluster"
	"github.com/CefBoud/monpost/compress"
	"github.com/CefBoud/monpost/protocol"
	"github.com/CefBoud/monpost/storage"
	"github.com/CefBoud/monpost/types"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
)

// Broker owns topics, streams them to consumers and answers discovery for the whole network
type Broker struct {
	Config         *types.Configuration
	Logger         hclog.Logger
	Topics         *storage.Topics
	Membership     cluster.Membership
	ShutDownSignal chan struct{}

	compression compress.CompressionType
	journal     *storage.Log
	listener    net.Listener
	self        types.ConnectionInfo

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}
	stopped bool

	subscribers atomic.Int64
}

// NewBroker creates a broker. membership may be nil for a broker without peers.
func NewBroker(config *types.Configuration, membership cluster.Membership, logger hclog.Logger) (*Broker, error) {
	compression, err := compress.ParseCompressionType(config.Compression)
	if err != nil {
		return nil, err
	}
	if membership == nil {
		membership = cluster.NewStatic(config.Peers...)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Broker{
		Config:         config,
		Logger:         logger,
		Membership:     membership,
		ShutDownSignal: make(chan struct{}),
		compression:    compression,
		ctx:            ctx,
		cancel:         cancel,
		conns:          make(map[net.Conn]struct{}),
	}, nil
}

// Startup restores persisted topics when enabled and starts accepting connections
func (b *Broker) Startup() error {
	if b.Config.Persist {
		journal, err := storage.OpenLog(storage.LogConfig{
			Dir:           filepath.Join(b.Config.LogDir, b.Config.NodeID, "topics"),
			SegmentBytes:  b.Config.LogSegmentSizeBytes,
			FlushInterval: time.Duration(b.Config.FlushIntervalMs) * time.Millisecond,
			Compression:   b.compression,
		}, b.Logger.Named("log"))
		if err != nil {
			return err
		}
		b.journal = journal
		b.Topics = storage.NewTopics(journal, b.Logger.Named("topics"))
		if err := b.Topics.Restore(journal); err != nil {
			return err
		}
		journal.Startup()
	} else {
		b.Topics = storage.NewTopics(nil, b.Logger.Named("topics"))
	}

	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", b.Config.BrokerPort))
	if err != nil {
		return fmt.Errorf("error starting server: %w", err)
	}
	b.listener = listener
	b.self = types.ConnectionInfo{Address: b.Config.BrokerHost, Port: listener.Addr().(*net.TCPAddr).Port}
	b.Logger.Info("broker is listening", "addr", b.self.String(), "persist", b.Config.Persist)

	b.wg.Add(1)
	go b.serve()
	return nil
}

// Self is the endpoint clients reach this broker at
func (b *Broker) Self() types.ConnectionInfo {
	return b.self
}

func (b *Broker) peers() []types.ConnectionInfo {
	peers := b.Membership.Peers()
	res := peers[:0:0]
	for _, p := range peers {
		if p != b.self {
			res = append(res, p)
		}
	}
	return res
}

func (b *Broker) serve() {
	defer b.wg.Done()
	for {
		conn, err := b.listener.Accept()
		if err != nil {
			select {
			case <-b.ShutDownSignal:
				return
			default:
			}
			b.Logger.Error("error accepting connection", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if !b.track(conn) {
			conn.Close()
			return
		}
		b.wg.Add(1)
		go b.HandleConnection(conn)
	}
}

func (b *Broker) track(conn net.Conn) bool {
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	if b.stopped {
		return false
	}
	b.conns[conn] = struct{}{}
	return true
}

func (b *Broker) untrack(conn net.Conn) {
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	delete(b.conns, conn)
}

// HandleConnection reads the one request of a connection and runs its handler
func (b *Broker) HandleConnection(raw net.Conn) {
	defer b.wg.Done()
	defer b.untrack(raw)
	defer raw.Close()

	conn := protocol.NewConn(raw, b.compression)
	logger := b.Logger.With("remote", conn.RemoteAddr())
	logger.Trace("connection established")

	msg, err := conn.ReadMessage()
	if err != nil {
		logger.Debug("failed to read request", "error", err)
		return
	}
	handler := b.APIDispatcher(msg.Type)
	if handler.Handler == nil {
		logger.Warn("rejecting request", "error", fmt.Errorf("%w: %s", protocol.ErrUnknownRequestType, msg.Type))
		metrics.IncrCounter([]string{"broker", "requests", "unknown"}, 1)
		return
	}
	labels := []metrics.Label{{Name: "type", Value: handler.Name}}
	metrics.IncrCounterWithLabels([]string{"broker", "requests"}, 1, labels)
	start := time.Now()
	err = handler.Handler(conn, msg, logger.With("request", handler.Name))
	metrics.MeasureSinceWithLabels([]string{"broker", "request_time"}, start, labels)

	switch {
	case err == nil:
		logger.Trace("request done", "request", handler.Name)
	case errors.Is(err, context.Canceled), errors.Is(err, io.EOF), protocol.IsRetriable(err):
		logger.Debug("connection ended", "request", handler.Name, "reason", err)
	default:
		metrics.IncrCounterWithLabels([]string{"broker", "requests", "failed"}, 1, labels)
		logger.Error("request failed", "request", handler.Name, "error", err)
	}
}

// Shutdown stops accepting, closes live connections and waits for their handlers
func (b *Broker) Shutdown() error {
	b.connsMu.Lock()
	if b.stopped {
		b.connsMu.Unlock()
		return nil
	}
	b.stopped = true
	close(b.ShutDownSignal)
	b.cancel()
	for conn := range b.conns {
		conn.Close()
	}
	b.connsMu.Unlock()

	var result *multierror.Error
	if b.listener != nil {
		if err := b.listener.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close listener: %w", err))
		}
	}
	b.wg.Wait()
	if b.journal != nil {
		if err := b.journal.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close topic log: %w", err))
		}
	}
	b.Logger.Info("broker shut down")
	return result.ErrorOrNil()
}

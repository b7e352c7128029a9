package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/CefBoud/monpost/broker"
	"github.com/CefBoud/monpost/cluster"
	"github.com/CefBoud/monpost/logging"
	"github.com/CefBoud/monpost/types"
	metrics "github.com/hashicorp/go-metrics"
	"github.com/hashicorp/go-multierror"
	sockaddr "github.com/hashicorp/go-sockaddr"
	"github.com/spf13/cobra"
)

// defaultAdvertiseHost is the private IP of the machine, localhost when there is none
func defaultAdvertiseHost() string {
	ip, err := sockaddr.GetPrivateIP()
	if err != nil || ip == "" {
		return "localhost"
	}
	return ip
}

func newBrokerCommand() *cobra.Command {
	config := types.DefaultConfiguration()
	var peers []string
	cmd := &cobra.Command{
		Use:   "broker",
		Short: "Run a broker",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			for _, p := range peers {
				info, err := types.ParseConnectionInfo(p)
				if err != nil {
					return fmt.Errorf("invalid peer %q: %w", p, err)
				}
				config.Peers = append(config.Peers, info)
			}
			return runBroker(&config)
		},
	}
	BindOptions(newViper(), cmd, []Opt{
		NewOpt(&config.NodeID, "node-id", config.NodeID, "unique name of this broker"),
		NewOpt(&config.BrokerHost, "host", defaultAdvertiseHost(), "host advertised to clients"),
		NewOpt(&config.BrokerPort, "port", config.BrokerPort, "port to listen on"),
		NewOpt(&config.LogLevel, "log-level", config.LogLevel, "trace, debug, info, warn or error"),
		NewOpt(&peers, "peers", nil, "ordered host:port list of the other brokers"),
		NewOpt(&config.LogDir, "log-dir", config.LogDir, "directory of the topic logs and cluster state"),
		NewOpt(&config.Persist, "persist", config.Persist, "keep topics on disk across restarts"),
		NewOpt(&config.FlushIntervalMs, "flush-interval-ms", config.FlushIntervalMs, "how often topic logs are synced to disk"),
		NewOpt(&config.LogSegmentSizeBytes, "log-segment-bytes", config.LogSegmentSizeBytes, "size at which a topic log segment is rolled"),
		NewOpt(&config.Compression, "compression", config.Compression, "packet and log codec: none, gzip, snappy, lz4 or zstd"),
		NewOpt(&config.Clustered, "cluster", config.Clustered, "discover peers through serf and raft instead of --peers"),
		NewOpt(&config.Bootstrap, "bootstrap", config.Bootstrap, "bootstrap the raft cluster (leader broker)"),
		NewOpt(&config.RaftAddress, "raft-addr", "127.0.0.1:7000", "raft bind address"),
		NewOpt(&config.SerfAddress, "serf-addr", "127.0.0.1:7946", "serf bind address"),
		NewOpt(&config.SerfJoinAddress, "join", nil, "serf addresses of brokers to join"),
		NewOpt(&config.MetricsIntervalMs, "metrics-interval-ms", config.MetricsIntervalMs, "metrics aggregation interval, dumped on SIGUSR1"),
	})
	return cmd
}

func setupMetrics(config *types.Configuration) (*metrics.InmemSink, error) {
	interval := time.Duration(config.MetricsIntervalMs) * time.Millisecond
	sink := metrics.NewInmemSink(interval, 6*interval)
	metrics.DefaultInmemSignal(sink)
	metricsConf := metrics.DefaultConfig("monpost")
	metricsConf.EnableHostname = false
	metricsConf.EnableRuntimeMetrics = true
	if _, err := metrics.NewGlobal(metricsConf, sink); err != nil {
		return nil, err
	}
	return sink, nil
}

func runBroker(config *types.Configuration) error {
	logger := logging.New("monpost", config.LogLevel, os.Stderr)
	if _, err := setupMetrics(config); err != nil {
		return fmt.Errorf("metrics setup failed: %w", err)
	}

	var membership cluster.Membership
	var clust *cluster.Cluster
	if config.Clustered {
		var err error
		clust, err = cluster.New(cluster.Config{
			NodeID:          config.NodeID,
			BrokerAddr:      types.ConnectionInfo{Address: config.BrokerHost, Port: config.BrokerPort},
			DataDir:         filepath.Join(config.LogDir, config.NodeID),
			Bootstrap:       config.Bootstrap,
			RaftAddress:     config.RaftAddress,
			SerfAddress:     config.SerfAddress,
			SerfJoinAddress: config.SerfJoinAddress,
			Logger:          logger.Named("cluster"),
		})
		if err != nil {
			return err
		}
		membership = clust
	}

	b, err := broker.NewBroker(config, membership, logger.Named("broker"))
	if err == nil {
		err = b.Startup()
	}
	if err != nil {
		if clust != nil {
			return multierror.Append(err, clust.Shutdown())
		}
		return err
	}

	ctx, stop := signalContext()
	defer stop()
	<-ctx.Done()
	logger.Info("shutting down")

	var result *multierror.Error
	if err := b.Shutdown(); err != nil {
		result = multierror.Append(result, err)
	}
	if clust != nil {
		if err := clust.Shutdown(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

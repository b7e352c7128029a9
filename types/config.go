package types

// Configuration holds the settings of a broker process
type Configuration struct {
	NodeID     string
	BrokerHost string // advertised to clients in discovery responses
	BrokerPort int    // 0 picks a free port
	LogLevel   string

	// Peers is the static, ordered list of the other brokers. Ignored when Clustered is set.
	Peers []ConnectionInfo

	LogDir              string
	Persist             bool
	FlushIntervalMs     int
	LogSegmentSizeBytes int64
	Compression         string

	Clustered       bool
	Bootstrap       bool
	RaftAddress     string
	SerfAddress     string
	SerfJoinAddress []string

	MetricsIntervalMs int
}

// DefaultConfiguration returns a configuration for a single in-memory broker
func DefaultConfiguration() Configuration {
	return Configuration{
		NodeID:              "broker-1",
		BrokerHost:          "localhost",
		BrokerPort:          9092,
		LogLevel:            "info",
		LogDir:              "/tmp/monpost",
		FlushIntervalMs:     5000,
		LogSegmentSizeBytes: 64 * 1024 * 1024,
		Compression:         "none",
		MetricsIntervalMs:   10000,
	}
}

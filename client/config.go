package client

import (
	"context"
	"path/filepath"
	"time"

	"github.com/CefBoud/monpost/compress"
	"github.com/CefBoud/monpost/logging"
	"github.com/CefBoud/monpost/protocol"
	"github.com/hashicorp/go-hclog"
)

// Config holds the settings of a publisher or consumer node
type Config struct {
	// DefaultBroker is asked which broker owns a topic
	DefaultBroker string
	PosterID      string

	DialTimeout time.Duration
	// IdleTimeout ends a one-shot pull once the broker stayed quiet that long
	IdleTimeout     time.Duration
	CacheSize       int
	MaxRetryElapsed time.Duration
	Compression     string

	// DataDir/Profile holds the consumer pointers and received posts
	DataDir string
	Profile string

	Logger hclog.Logger
	// Dialer overrides how broker connections are opened
	Dialer Dialer
}

// DefaultConfig returns the settings of a client talking to a local broker
func DefaultConfig() Config {
	return Config{
		DefaultBroker:   "localhost:9092",
		PosterID:        "anonymous",
		DialTimeout:     5 * time.Second,
		IdleTimeout:     2 * time.Second,
		CacheSize:       1024,
		MaxRetryElapsed: time.Minute,
		Compression:     "none",
		DataDir:         "/tmp/monpost-client",
		Profile:         "default",
	}
}

// ProfileDir is where a consumer keeps its state
func (c Config) ProfileDir() string {
	return filepath.Join(c.DataDir, c.Profile)
}

// Dialer opens a framed connection to a broker
type Dialer func(ctx context.Context, addr string) (*protocol.Conn, error)

// NewDialer dials with a timeout and compresses outgoing packets with compression
func NewDialer(timeout time.Duration, compression compress.CompressionType) Dialer {
	return func(ctx context.Context, addr string) (*protocol.Conn, error) {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return protocol.Dial(ctx, addr, compression)
	}
}

// node is what publishers and consumers share: a dialer and the owner cache
type node struct {
	config Config
	logger hclog.Logger
	dial   Dialer
	cache  *Cache
}

func newNode(config Config, name string) (*node, error) {
	logger := logging.OrDiscard(config.Logger).Named(name)
	dial := config.Dialer
	if dial == nil {
		compression, err := compress.ParseCompressionType(config.Compression)
		if err != nil {
			return nil, err
		}
		dial = NewDialer(config.DialTimeout, compression)
	}
	cache, err := NewCache(config.DefaultBroker, config.CacheSize, dial, logger.Named("cache"))
	if err != nil {
		return nil, err
	}
	return &node{config: config, logger: logger, dial: dial, cache: cache}, nil
}

package client

import (
	"context"
	"fmt"

	"github.com/CefBoud/monpost/protocol"
	"github.com/CefBoud/monpost/types"
	"github.com/hashicorp/go-hclog"
	lru "github.com/hashicorp/golang-lru"
)

// Cache remembers which broker owns each topic. Misses ask the default broker.
type Cache struct {
	defaultBroker string
	dial          Dialer
	logger        hclog.Logger
	owners        *lru.Cache
}

// NewCache returns a cache holding at most size topics
func NewCache(defaultBroker string, size int, dial Dialer, logger hclog.Logger) (*Cache, error) {
	owners, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cache{defaultBroker: defaultBroker, dial: dial, logger: logger, owners: owners}, nil
}

// Get returns the owner of topic, discovering it on a miss.
// Discovery failures wrap ErrBrokerNotAvailable.
func (c *Cache) Get(ctx context.Context, topic string) (types.ConnectionInfo, error) {
	if v, ok := c.owners.Get(topic); ok {
		return v.(types.ConnectionInfo), nil
	}
	owner, err := c.discover(ctx, topic)
	if err != nil {
		return types.ConnectionInfo{}, err
	}
	c.owners.Add(topic, owner)
	return owner, nil
}

func (c *Cache) discover(ctx context.Context, topic string) (types.ConnectionInfo, error) {
	conn, err := c.dial(ctx, c.defaultBroker)
	if err != nil {
		return types.ConnectionInfo{}, err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	msg, err := protocol.NewTopicMessage(protocol.BrokerDiscovery, topic)
	if err != nil {
		return types.ConnectionInfo{}, err
	}
	if err := conn.WriteMessage(msg); err != nil {
		return types.ConnectionInfo{}, fmt.Errorf("%w: discover %s: %w", protocol.ErrBrokerNotAvailable, topic, err)
	}
	owner, err := conn.ReadConnectionInfo()
	if err != nil {
		return types.ConnectionInfo{}, fmt.Errorf("%w: discover %s: %w", protocol.ErrBrokerNotAvailable, topic, err)
	}
	c.logger.Debug("discovered topic owner", "topic", topic, "owner", owner.String())
	return owner, nil
}

// Invalidate forgets the owner of topic
func (c *Cache) Invalidate(topic string) {
	if c.owners.Contains(topic) {
		c.logger.Debug("invalidating topic owner", "topic", topic)
	}
	c.owners.Remove(topic)
}

// Len is the number of cached owners
func (c *Cache) Len() int {
	return c.owners.Len()
}

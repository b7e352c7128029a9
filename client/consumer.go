package client

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/CefBoud/monpost/postlog"
	"github.com/CefBoud/monpost/protocol"
	"github.com/CefBoud/monpost/types"
	"github.com/CefBoud/monpost/utils"
)

// Consumer receives the posts of topics, stores them in its post log and
// remembers how far it got in each topic
type Consumer struct {
	*node
	pointers *PointerStore
	posts    *postlog.Log
}

// NewConsumer opens the consumer state under config.ProfileDir()
func NewConsumer(config Config) (*Consumer, error) {
	n, err := newNode(config, "consumer")
	if err != nil {
		return nil, err
	}
	dir := config.ProfileDir()
	if err := utils.EnsurePath(dir, true); err != nil {
		return nil, &postlog.PathError{Op: "mkdir", Path: dir, Err: err}
	}
	pointers, err := OpenPointerStore(filepath.Join(dir, "pointers.db"), config.Profile)
	if err != nil {
		return nil, err
	}
	return &Consumer{
		node:     n,
		pointers: pointers,
		posts:    postlog.New(filepath.Join(dir, "posts"), n.logger.Named("postlog")),
	}, nil
}

// Pointer is the id of the last post received on topic
func (c *Consumer) Pointer(topic string) (uint64, error) {
	return c.pointers.Get(topic)
}

// Posts returns every post received on topic, oldest first
func (c *Consumer) Posts(topic string) ([]types.Post, error) {
	return c.posts.ReadAll(topic)
}

// Topics lists the topics the consumer has received posts from
func (c *Consumer) Topics() ([]string, error) {
	return c.pointers.Topics()
}

// deliver persists a post then advances the pointer
func (c *Consumer) deliver(topic string, post types.Post) error {
	if err := c.posts.Append(post, topic); err != nil {
		return err
	}
	return c.pointers.Set(topic, post.Info.ID)
}

// Pull fetches the posts published on topic since the last pull and returns them.
// It ends once the owner stayed quiet for IdleTimeout.
func (c *Consumer) Pull(ctx context.Context, topic string) ([]types.Post, error) {
	var received []types.Post
	err := c.retry(ctx, "pull", topic, func() error {
		return c.stream(ctx, topic, func(post types.Post) error {
			received = append(received, post)
			return nil
		}, c.config.IdleTimeout)
	})
	if err != nil {
		return received, fmt.Errorf("pull %s: %w", topic, err)
	}
	c.logger.Debug("pulled", "topic", topic, "posts", len(received))
	return received, nil
}

// Subscribe streams the posts of topic to fn until ctx ends or fn fails.
// Lost connections are retried from the stored pointer.
func (c *Consumer) Subscribe(ctx context.Context, topic string, fn func(types.Post) error) error {
	for {
		err := c.retry(ctx, "subscribe", topic, func() error {
			return c.stream(ctx, topic, fn, 0)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		// the owner closed the stream between two posts, it may have moved
		c.logger.Info("subscription ended by the broker, resubscribing", "topic", topic)
		c.cache.Invalidate(topic)
	}
}

// stream runs one subscription attempt from the stored pointer
func (c *Consumer) stream(ctx context.Context, topic string, fn func(types.Post) error, idle time.Duration) error {
	last, err := c.pointers.Get(topic)
	if err != nil {
		return err
	}
	owner, err := c.cache.Get(ctx, topic)
	if err != nil {
		return err
	}
	conn, err := c.dial(ctx, owner.String())
	if err != nil {
		c.cache.Invalidate(topic)
		return err
	}
	defer conn.Close()

	msg, err := protocol.NewTokenMessage(types.Token{Topic: topic, LastPostID: last})
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(msg); err != nil {
		c.cache.Invalidate(topic)
		return err
	}
	puller := &protocol.Puller{
		Conn:        conn,
		Mode:        protocol.KeepAlive,
		IdleTimeout: idle,
		Sink: &protocol.Assembler{OnPost: func(post types.Post) error {
			if err := c.deliver(topic, post); err != nil {
				return err
			}
			return fn(post)
		}},
	}
	n, err := puller.Pull(ctx)
	if err != nil && protocol.IsRetriable(err) {
		c.cache.Invalidate(topic)
	}
	c.logger.Trace("stream ended", "topic", topic, "posts", n, "error", err)
	return err
}

// Close releases the pointer store
func (c *Consumer) Close() error {
	return c.pointers.Close()
}

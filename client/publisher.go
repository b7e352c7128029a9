package client

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/CefBoud/monpost/protocol"
	"github.com/CefBoud/monpost/types"
	"github.com/CefBoud/monpost/utils"
	"github.com/cenkalti/backoff/v4"
	metrics "github.com/hashicorp/go-metrics"
)

// defaultFileExtension is used for files without an extension
const defaultFileExtension = "bin"

// Publisher sends posts to the brokers owning their topics
type Publisher struct {
	*node
	ids *utils.IDGenerator
}

// NewPublisher creates a publisher
func NewPublisher(config Config) (*Publisher, error) {
	n, err := newNode(config, "publisher")
	if err != nil {
		return nil, err
	}
	return &Publisher{node: n, ids: utils.NewIDGenerator()}, nil
}

// NewTextPost builds a text post with a fresh identifier
func (p *Publisher) NewTextPost(text string) types.Post {
	return types.Post{
		Info:    types.PostInfo{PosterID: p.config.PosterID, Extension: types.PlainTextExtension, ID: p.ids.Next()},
		Payload: []byte(text),
	}
}

// NewFilePost builds a post carrying the content of the file at path
func (p *Publisher) NewFilePost(path string) (types.Post, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return types.Post{}, fmt.Errorf("read post file: %w", err)
	}
	ext := strings.TrimPrefix(filepath.Ext(path), ".")
	if ext == "" || ext == types.PlainTextExtension {
		ext = defaultFileExtension
	}
	return types.Post{
		Info:    types.PostInfo{PosterID: p.config.PosterID, Extension: ext, ID: p.ids.Next()},
		Payload: payload,
	}, nil
}

func (n *node) retryPolicy(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = n.config.MaxRetryElapsed
	return backoff.WithContext(b, ctx)
}

// retry runs op until it succeeds, fails with a non retriable error or the policy gives up
func (n *node) retry(ctx context.Context, what, topic string, op func() error) error {
	return backoff.RetryNotify(func() error {
		err := op()
		if err != nil && !protocol.IsRetriable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, n.retryPolicy(ctx), func(err error, wait time.Duration) {
		metrics.IncrCounterWithLabels([]string{"client", "retries"}, 1, []metrics.Label{{Name: "op", Value: what}})
		n.logger.Warn("attempt failed, retrying", "op", what, "topic", topic, "wait", wait, "error", err)
	})
}

// Publish delivers posts to the owner of topic. A failed attempt invalidates the
// cached owner and the whole batch is sent again; brokers ignore posts they already hold.
func (p *Publisher) Publish(ctx context.Context, topic string, posts ...types.Post) error {
	if len(posts) == 0 {
		return nil
	}
	for _, post := range posts {
		if err := post.Info.Validate(); err != nil {
			return fmt.Errorf("publish to %s: %w", topic, err)
		}
	}
	err := p.retry(ctx, "publish", topic, func() error {
		return p.publishOnce(ctx, topic, posts)
	})
	if err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	p.logger.Debug("published", "topic", topic, "posts", len(posts))
	return nil
}

func (p *Publisher) publishOnce(ctx context.Context, topic string, posts []types.Post) error {
	owner, err := p.cache.Get(ctx, topic)
	if err != nil {
		return err
	}
	conn, err := p.dial(ctx, owner.String())
	if err != nil {
		p.cache.Invalidate(topic)
		return err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	msg, err := protocol.NewTopicMessage(protocol.DataPacketSend, topic)
	if err != nil {
		return err
	}
	if err := conn.WriteMessage(msg); err != nil {
		p.cache.Invalidate(topic)
		return err
	}
	pusher := &protocol.Pusher{
		Conn:  conn,
		Topic: topic,
		Mode:  protocol.Normal,
		OnComplete: func(success bool, topic string) {
			if !success {
				p.cache.Invalidate(topic)
			}
		},
	}
	if err := pusher.Push(posts); err != nil {
		return err
	}
	ack, err := conn.ReadBool()
	if err != nil {
		p.cache.Invalidate(topic)
		return err
	}
	if !ack {
		return protocol.ErrPublishNotCompleted
	}
	return nil
}

// CreateTopic asks the topic's owner to create it. It reports false if the topic already existed.
func (p *Publisher) CreateTopic(ctx context.Context, topic string) (bool, error) {
	var created bool
	err := p.retry(ctx, "create-topic", topic, func() error {
		owner, err := p.cache.Get(ctx, topic)
		if err != nil {
			return err
		}
		conn, err := p.dial(ctx, owner.String())
		if err != nil {
			p.cache.Invalidate(topic)
			return err
		}
		defer conn.Close()
		msg, err := protocol.NewTopicMessage(protocol.CreateTopic, topic)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(msg); err != nil {
			p.cache.Invalidate(topic)
			return err
		}
		created, err = conn.ReadBool()
		if err != nil {
			p.cache.Invalidate(topic)
		}
		return err
	})
	if err != nil {
		return false, fmt.Errorf("create topic %s: %w", topic, err)
	}
	return created, nil
}

package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/CefBoud/monpost/protocol"
	"github.com/CefBoud/monpost/storage"
	"github.com/CefBoud/monpost/types"
	"github.com/hashicorp/go-hclog"
	metrics "github.com/hashicorp/go-metrics"
)

// storeSink feeds a pulled publish stream into a topic store and remembers the
// post in flight so it can be aborted if the publisher goes away
type storeSink struct {
	store *storage.TopicStore
	open  storage.Attempt
}

func (s *storeSink) AddPostInfo(info types.PostInfo) error {
	attempt, err := s.store.AddPostInfo(info)
	if err != nil {
		return err
	}
	s.open = attempt
	return nil
}

// AddPacket skips the packets of a post the store already holds in full
func (s *storeSink) AddPacket(packet types.Packet) error {
	if !s.open.Owns() {
		return nil
	}
	if err := s.store.AddPacket(s.open, packet); err != nil {
		return err
	}
	if packet.Final {
		s.open = storage.Attempt{}
	}
	return nil
}

func (s *storeSink) abort() {
	if s.open.Owns() {
		s.store.Abort(s.open)
		s.open = storage.Attempt{}
	}
}

// handlePublish ingests a NORMAL stream of posts and acknowledges it
func (b *Broker) handlePublish(conn *protocol.Conn, msg protocol.Message, logger hclog.Logger) error {
	topic, err := msg.Topic()
	if err != nil {
		return err
	}
	store := b.Topics.GetOrCreate(topic)
	sink := &storeSink{store: store}
	puller := &protocol.Puller{Conn: conn, Mode: protocol.Normal, Sink: sink}
	n, err := puller.Pull(b.ctx)
	if err != nil {
		sink.abort()
		return fmt.Errorf("publish to %s after %d posts: %w", topic, n, err)
	}
	metrics.IncrCounterWithLabels([]string{"broker", "posts", "published"}, float32(n), []metrics.Label{{Name: "topic", Value: topic}})
	logger.Debug("published posts", "topic", topic, "posts", n)
	return conn.WriteBool(true)
}

// handleSubscribe sends the catch-up backlog as a KEEP_ALIVE stream, then keeps
// streaming live posts on the same connection until the consumer leaves
func (b *Broker) handleSubscribe(conn *protocol.Conn, msg protocol.Message, logger hclog.Logger) error {
	token, err := msg.Token()
	if err != nil {
		return err
	}
	store := b.Topics.GetOrCreate(token.Topic)
	streamer := NewStreamer(token.Topic, conn, logger)
	infos, packets, id := store.Subscribe(token.LastPostID, streamer.Handle)
	defer store.Unsubscribe(id)

	backlog := make([]types.Post, 0, len(infos))
	for _, info := range infos {
		post, err := protocol.Reassemble(packets[info.ID], info)
		if err != nil {
			return err
		}
		backlog = append(backlog, post)
	}

	ctx, cancel := context.WithCancel(b.ctx)
	defer cancel()
	go func() {
		// consumers send nothing after the token, any read result means they are gone
		_, _ = conn.ReadMessage()
		cancel()
	}()

	pusher := &protocol.Pusher{Conn: conn, Topic: token.Topic, Mode: protocol.KeepAlive}
	if err := pusher.Push(backlog); err != nil {
		return err
	}
	metrics.IncrCounterWithLabels([]string{"broker", "posts", "backlog"}, float32(len(backlog)), []metrics.Label{{Name: "topic", Value: token.Topic}})
	metrics.SetGauge([]string{"broker", "subscribers"}, float32(b.subscribers.Add(1)))
	defer func() {
		metrics.SetGauge([]string{"broker", "subscribers"}, float32(b.subscribers.Add(-1)))
	}()
	logger.Debug("consumer subscribed", "topic", token.Topic, "last_post", token.LastPostID, "backlog", len(backlog))

	err = streamer.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// handleDiscover answers with the broker owning the topic
func (b *Broker) handleDiscover(conn *protocol.Conn, msg protocol.Message, logger hclog.Logger) error {
	topic, err := msg.Topic()
	if err != nil {
		return err
	}
	owner := Owner(topic, b.self, b.peers())
	metrics.IncrCounter([]string{"broker", "discovery"}, 1)
	logger.Debug("discovered owner", "topic", topic, "owner", owner.String())
	return conn.WriteConnectionInfo(owner)
}

// handleCreateTopic answers true when the topic did not exist yet
func (b *Broker) handleCreateTopic(conn *protocol.Conn, msg protocol.Message, logger hclog.Logger) error {
	topic, err := msg.Topic()
	if err != nil {
		return err
	}
	created := b.Topics.Create(topic)
	if !created {
		logger.Debug("topic already exists", "topic", topic, "error", protocol.ErrTopicAlreadyExists)
	}
	return conn.WriteBool(created)
}

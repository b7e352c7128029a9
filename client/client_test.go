package client

import (
	"context"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/CefBoud/monpost/broker"
	"github.com/CefBoud/monpost/compress"
	"github.com/CefBoud/monpost/protocol"
	"github.com/CefBoud/monpost/types"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startBroker(t *testing.T, peers ...types.ConnectionInfo) *broker.Broker {
	config := types.DefaultConfiguration()
	config.BrokerHost = "127.0.0.1"
	config.BrokerPort = 0
	config.Peers = peers
	b, err := broker.NewBroker(&config, nil, hclog.NewNullLogger())
	require.NoError(t, err)
	require.NoError(t, b.Startup())
	t.Cleanup(func() { b.Shutdown() })
	return b
}

func testConfig(t *testing.T, b *broker.Broker) Config {
	config := DefaultConfig()
	config.DefaultBroker = b.Self().String()
	config.PosterID = "alice"
	config.DataDir = t.TempDir()
	config.IdleTimeout = 300 * time.Millisecond
	config.MaxRetryElapsed = 5 * time.Second
	return config
}

// countingDialer counts dials and can break the connection of one of them
type countingDialer struct {
	mu      sync.Mutex
	dials   []string
	breakAt int
}

func (d *countingDialer) dial(ctx context.Context, addr string) (*protocol.Conn, error) {
	d.mu.Lock()
	d.dials = append(d.dials, addr)
	n := len(d.dials)
	d.mu.Unlock()
	conn, err := protocol.Dial(ctx, addr, compress.NONE)
	if err == nil && n == d.breakAt {
		conn.Close()
	}
	return conn, err
}

func (d *countingDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.dials)
}

func newPublisher(t *testing.T, config Config) *Publisher {
	p, err := NewPublisher(config)
	require.NoError(t, err)
	return p
}

func newConsumer(t *testing.T, config Config) *Consumer {
	c, err := NewConsumer(config)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPublishThenPull(t *testing.T) {
	as := assert.New(t)
	b := startBroker(t)
	config := testConfig(t, b)
	ctx := context.Background()

	publisher := newPublisher(t, config)
	created, err := publisher.CreateTopic(ctx, "cats")
	require.NoError(t, err)
	as.True(created)
	created, err = publisher.CreateTopic(ctx, "cats")
	require.NoError(t, err)
	as.False(created)

	payload := make([]byte, 1200*1024)
	rand.Read(payload)
	post := types.Post{Info: types.PostInfo{PosterID: "alice", Extension: "jpg", ID: publisher.ids.Next()}, Payload: payload}
	require.NoError(t, publisher.Publish(ctx, "cats", post))

	consumer := newConsumer(t, config)
	got, err := consumer.Pull(ctx, "cats")
	require.NoError(t, err)
	require.Len(t, got, 1)
	as.Equal(post.Info, got[0].Info)
	as.Equal(post.Payload, got[0].Payload)

	pointer, err := consumer.Pointer("cats")
	require.NoError(t, err)
	as.Equal(post.Info.ID, pointer)

	stored, err := consumer.Posts("cats")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	as.Equal(post.Payload, stored[0].Payload)

	// nothing new the second time
	got, err = consumer.Pull(ctx, "cats")
	require.NoError(t, err)
	as.Empty(got)
	pointer2, err := consumer.Pointer("cats")
	require.NoError(t, err)
	as.Equal(pointer, pointer2)
}

func TestPointerAdvancesAcrossPulls(t *testing.T) {
	as := assert.New(t)
	b := startBroker(t)
	config := testConfig(t, b)
	ctx := context.Background()
	publisher := newPublisher(t, config)
	consumer := newConsumer(t, config)

	var last uint64
	for round := 0; round < 3; round++ {
		posts := []types.Post{publisher.NewTextPost("one"), publisher.NewTextPost("two")}
		require.NoError(t, publisher.Publish(ctx, "news", posts...))
		got, err := consumer.Pull(ctx, "news")
		require.NoError(t, err)
		require.Len(t, got, 2)
		as.Equal(posts[0].Info, got[0].Info)
		as.Equal(posts[1].Info, got[1].Info)

		pointer, err := consumer.Pointer("news")
		require.NoError(t, err)
		as.Greater(pointer, last)
		last = pointer
	}
	stored, err := consumer.Posts("news")
	require.NoError(t, err)
	as.Len(stored, 6)
	topics, err := consumer.Topics()
	require.NoError(t, err)
	as.Equal([]string{"news"}, topics)
}

func TestPublishRoutesToOwner(t *testing.T) {
	peer := startBroker(t)
	leader := startBroker(t, peer.Self())
	config := testConfig(t, leader)
	ctx := context.Background()
	publisher := newPublisher(t, config)

	// |hash("cats")| mod 2 selects the peer, |hash("news")| mod 2 the leader
	require.NoError(t, publisher.Publish(ctx, "cats", publisher.NewTextPost("meow")))
	require.NoError(t, publisher.Publish(ctx, "news", publisher.NewTextPost("extra")))

	_, ok := peer.Topics.Get("cats")
	assert.True(t, ok)
	_, ok = leader.Topics.Get("cats")
	assert.False(t, ok)
	_, ok = leader.Topics.Get("news")
	assert.True(t, ok)

	owner, err := publisher.cache.Get(ctx, "cats")
	require.NoError(t, err)
	assert.Equal(t, peer.Self(), owner)
}

func TestPublishRediscoversAfterFailure(t *testing.T) {
	b := startBroker(t)
	config := testConfig(t, b)
	dialer := &countingDialer{breakAt: 2}
	config.Dialer = dialer.dial
	publisher := newPublisher(t, config)

	post := publisher.NewTextPost("hello")
	require.NoError(t, publisher.Publish(context.Background(), "news", post))

	// discovery, broken publish, discovery again, publish
	assert.Equal(t, 4, dialer.count())
	store, ok := b.Topics.Get("news")
	require.True(t, ok)
	assert.Equal(t, 1, store.Len())
}

func TestPublishGivesUpWhenNoBroker(t *testing.T) {
	b := startBroker(t)
	config := testConfig(t, b)
	require.NoError(t, b.Shutdown())
	config.MaxRetryElapsed = 300 * time.Millisecond
	publisher := newPublisher(t, config)

	err := publisher.Publish(context.Background(), "news", publisher.NewTextPost("lost"))
	require.Error(t, err)
	assert.True(t, protocol.IsRetriable(err))
}

func TestPublishStopsOnCancel(t *testing.T) {
	b := startBroker(t)
	config := testConfig(t, b)
	require.NoError(t, b.Shutdown())
	config.MaxRetryElapsed = 0
	publisher := newPublisher(t, config)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	err := publisher.Publish(ctx, "news", publisher.NewTextPost("lost"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSubscribeStreamsLivePosts(t *testing.T) {
	b := startBroker(t)
	config := testConfig(t, b)
	publisher := newPublisher(t, config)
	consumer := newConsumer(t, config)

	early := publisher.NewTextPost("before subscribing")
	require.NoError(t, publisher.Publish(context.Background(), "live", early))

	received := make(chan types.Post, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- consumer.Subscribe(ctx, "live", func(p types.Post) error {
			received <- p
			return nil
		})
	}()

	late := publisher.NewTextPost("after subscribing")
	require.Eventually(t, func() bool {
		store, ok := b.Topics.Get("live")
		return ok && store.Subscribers() == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, publisher.Publish(context.Background(), "live", late))

	for _, want := range []types.Post{early, late} {
		select {
		case got := <-received:
			assert.Equal(t, want.Info, got.Info)
			assert.Equal(t, want.Payload, got.Payload)
		case <-time.After(5 * time.Second):
			t.Fatal("post not received")
		}
	}

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("subscribe did not return")
	}
	stored, err := consumer.Posts("live")
	require.NoError(t, err)
	assert.Len(t, stored, 2)
}

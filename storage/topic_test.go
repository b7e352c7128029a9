package storage

import (
	"sync"
	"testing"

	"github.com/CefBoud/monpost/protocol"
	"github.com/CefBoud/monpost/types"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func info(id uint64) types.PostInfo {
	return types.PostInfo{PosterID: "bob", Extension: types.PlainTextExtension, ID: id}
}

func packet(id uint64, final bool, payload string) types.Packet {
	return types.Packet{PostID: id, Final: final, Payload: []byte(payload)}
}

func addPost(t *testing.T, s *TopicStore, id uint64, payloads ...string) {
	t.Helper()
	attempt, err := s.AddPostInfo(info(id))
	require.NoError(t, err)
	require.True(t, attempt.Owns())
	for i, p := range payloads {
		require.NoError(t, s.AddPacket(attempt, packet(id, i == len(payloads)-1, p)))
	}
}

func newStore() *TopicStore {
	return NewTopics(nil, hclog.NewNullLogger()).GetOrCreate("cats")
}

func TestSinceZeroReturnsEverything(t *testing.T) {
	as := assert.New(t)
	s := newStore()
	addPost(t, s, 10, "a1", "a2")
	addPost(t, s, 11, "b1")

	infos, packets := s.Since(types.ZeroPostID)
	as.Equal([]types.PostInfo{info(10), info(11)}, infos)
	as.Len(packets[10], 2)
	as.Len(packets[11], 1)
	as.True(packets[10][1].Final)
}

func TestSinceStrictlyAfter(t *testing.T) {
	as := assert.New(t)
	s := newStore()
	addPost(t, s, 10, "a")
	addPost(t, s, 11, "b")
	addPost(t, s, 12, "c")

	infos, _ := s.Since(11)
	as.Equal([]types.PostInfo{info(12)}, infos)

	infos, _ = s.Since(12)
	as.Empty(infos)
}

func TestSinceUnknownIsEmpty(t *testing.T) {
	s := newStore()
	addPost(t, s, 10, "a")
	infos, packets := s.Since(999)
	assert.Empty(t, infos)
	assert.Empty(t, packets)
}

func TestSinceStopsAtIncompletePost(t *testing.T) {
	as := assert.New(t)
	s := newStore()
	addPost(t, s, 10, "a")
	attempt, err := s.AddPostInfo(info(11))
	require.NoError(t, err)
	require.NoError(t, s.AddPacket(attempt, packet(11, false, "b1")))
	addPost(t, s, 12, "c")

	infos, _ := s.Since(types.ZeroPostID)
	as.Equal([]types.PostInfo{info(10)}, infos)
	as.Equal(3, s.Len())
}

func TestDuplicatesIgnored(t *testing.T) {
	as := assert.New(t)
	s := newStore()
	addPost(t, s, 10, "a")

	attempt, err := s.AddPostInfo(info(10))
	as.NoError(err)
	as.False(attempt.Owns())

	_, packets := s.Since(types.ZeroPostID)
	as.Equal([]byte("a"), packets[10][0].Payload)
	as.Len(packets[10], 1)
}

func TestAnnounceAgainSupersedesOpenPost(t *testing.T) {
	as := assert.New(t)
	s := newStore()
	var events []types.DeliveryEvent
	s.Subscribe(types.ZeroPostID, func(ev types.DeliveryEvent) { events = append(events, ev) })

	first, err := s.AddPostInfo(info(10))
	require.NoError(t, err)
	require.NoError(t, s.AddPacket(first, packet(10, false, "AA")))

	// the publisher retries before its first connection is noticed as gone
	retry, err := s.AddPostInfo(info(10))
	require.NoError(t, err)
	require.True(t, retry.Owns())
	require.NoError(t, s.AddPacket(retry, packet(10, false, "AA")))

	// the stale attempt can neither write nor abort the retried post
	as.ErrorIs(s.AddPacket(first, packet(10, true, "ZZ")), protocol.ErrInconsistentStream)
	s.Abort(first)

	require.NoError(t, s.AddPacket(retry, packet(10, true, "BB")))

	infos, packets := s.Since(types.ZeroPostID)
	as.Equal([]types.PostInfo{info(10)}, infos)
	post, err := protocol.Reassemble(packets[10], info(10))
	require.NoError(t, err)
	as.Equal("AABB", string(post.Payload))

	kinds := make([]types.EventKind, 0, len(events))
	for _, ev := range events {
		kinds = append(kinds, ev.Kind)
	}
	as.Equal([]types.EventKind{
		types.PostAnnounced, types.PacketArrived,
		types.DeliveryFailed,
		types.PostAnnounced, types.PacketArrived, types.PacketArrived,
	}, kinds)
}

func TestRejectsPostInfoEscapingItsFile(t *testing.T) {
	s := newStore()
	for _, bad := range []types.PostInfo{
		{PosterID: "/../../escaped", Extension: "txt", ID: 1},
		{PosterID: "a/b", Extension: "txt", ID: 2},
		{PosterID: "bob", Extension: "tar.gz", ID: 3},
		{PosterID: "bob", Extension: "../x", ID: 4},
	} {
		_, err := s.AddPostInfo(bad)
		assert.ErrorIs(t, err, protocol.ErrInconsistentStream, bad.String())
	}
	assert.Equal(t, 0, s.Len())
}

func TestInvalidAppends(t *testing.T) {
	s := newStore()
	_, err := s.AddPostInfo(info(types.ZeroPostID))
	assert.ErrorIs(t, err, protocol.ErrInconsistentStream)
	assert.ErrorIs(t, s.AddPacket(Attempt{PostID: 77}, packet(77, true, "x")), protocol.ErrInconsistentStream)
	assert.ErrorIs(t, s.AddPacket(Attempt{}, packet(types.ZeroPostID, true, "x")), protocol.ErrInconsistentStream)

	attempt, err := s.AddPostInfo(info(5))
	require.NoError(t, err)
	assert.ErrorIs(t, s.AddPacket(attempt, packet(6, true, "x")), protocol.ErrInconsistentStream)
}

func TestEventsAndAbort(t *testing.T) {
	as := assert.New(t)
	s := newStore()
	var events []types.DeliveryEvent
	_, _, id := s.Subscribe(types.ZeroPostID, func(ev types.DeliveryEvent) {
		events = append(events, ev)
	})

	attempt, err := s.AddPostInfo(info(10))
	require.NoError(t, err)
	require.NoError(t, s.AddPacket(attempt, packet(10, false, "x")))
	s.Abort(attempt)
	s.Abort(attempt) // already gone

	require.Len(t, events, 3)
	as.Equal(types.PostAnnounced, events[0].Kind)
	as.Equal("cats", events[0].Topic)
	as.Equal(types.PacketArrived, events[1].Kind)
	as.Equal(types.DeliveryFailed, events[2].Kind)
	as.Equal(uint64(10), events[2].PostID)
	as.Equal(0, s.Len())

	// the aborted post can be published again
	addPost(t, s, 10, "x", "y")
	infos, _ := s.Since(types.ZeroPostID)
	as.Equal([]types.PostInfo{info(10)}, infos)

	s.Unsubscribe(id)
	as.Equal(0, s.Subscribers())
}

func TestSubscribeSeedsOpenPosts(t *testing.T) {
	as := assert.New(t)
	s := newStore()
	addPost(t, s, 10, "a")
	attempt, err := s.AddPostInfo(info(11))
	require.NoError(t, err)
	require.NoError(t, s.AddPacket(attempt, packet(11, false, "b1")))
	addPost(t, s, 12, "c")

	var seeded []types.DeliveryEvent
	infos, packets, _ := s.Subscribe(types.ZeroPostID, func(ev types.DeliveryEvent) {
		seeded = append(seeded, ev)
	})
	as.Equal([]types.PostInfo{info(10)}, infos)
	as.Len(packets[10], 1)

	kinds := make([]types.EventKind, 0, len(seeded))
	ids := make([]uint64, 0, len(seeded))
	for _, ev := range seeded {
		kinds = append(kinds, ev.Kind)
		ids = append(ids, ev.PostID)
	}
	as.Equal([]types.EventKind{types.PostAnnounced, types.PacketArrived, types.PostAnnounced, types.PacketArrived}, kinds)
	as.Equal([]uint64{11, 11, 12, 12}, ids)
}

func TestSubscribeUnknownPointer(t *testing.T) {
	s := newStore()
	addPost(t, s, 10, "a")
	var seeded int
	infos, _, _ := s.Subscribe(12345, func(types.DeliveryEvent) { seeded++ })
	assert.Empty(t, infos)
	assert.Zero(t, seeded)
	assert.Equal(t, 1, s.Subscribers())
}

func TestConcurrentPublishers(t *testing.T) {
	s := newStore()
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := uint64(w*1000 + i + 1)
				attempt, _ := s.AddPostInfo(info(id))
				_ = s.AddPacket(attempt, packet(id, false, "1"))
				_ = s.AddPacket(attempt, packet(id, true, "2"))
			}
		}(w)
	}
	wg.Wait()
	infos, packets := s.Since(types.ZeroPostID)
	assert.Len(t, infos, 400)
	for _, i := range infos {
		assert.Len(t, packets[i.ID], 2)
	}
}

func TestTopicsRegistry(t *testing.T) {
	as := assert.New(t)
	topics := NewTopics(nil, hclog.NewNullLogger())
	as.True(topics.Create("news"))
	as.False(topics.Create("news"))
	a := topics.GetOrCreate("cats")
	b := topics.GetOrCreate("cats")
	as.Same(a, b)
	_, ok := topics.Get("dogs")
	as.False(ok)
	as.Equal([]string{"cats", "news"}, topics.Names())
}

func TestTopicsConcurrentCreate(t *testing.T) {
	topics := NewTopics(nil, hclog.NewNullLogger())
	var wg sync.WaitGroup
	results := make(chan bool, 16)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- topics.Create("race")
		}()
	}
	wg.Wait()
	close(results)
	created := 0
	for r := range results {
		if r {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

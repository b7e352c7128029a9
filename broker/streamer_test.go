package broker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/CefBoud/monpost/types"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	items []string
	fail  error
}

func (r *recorder) WritePostInfo(info types.PostInfo) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.items = append(r.items, fmt.Sprintf("info-%d", info.ID))
	return nil
}

func (r *recorder) WritePacket(p types.Packet) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail != nil {
		return r.fail
	}
	r.items = append(r.items, string(p.Payload))
	return nil
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.items...)
}

func announce(id uint64) types.DeliveryEvent {
	return types.DeliveryEvent{Kind: types.PostAnnounced, PostID: id, Info: types.PostInfo{ID: id}}
}

func arrive(id uint64, payload string, final bool) types.DeliveryEvent {
	return types.DeliveryEvent{Kind: types.PacketArrived, PostID: id, Packet: types.Packet{PostID: id, Payload: []byte(payload), Final: final}}
}

func runStreamer(t *testing.T, s *Streamer) (context.CancelFunc, <-chan error) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(cancel)
	return cancel, done
}

func TestStreamerInterleavedPosts(t *testing.T) {
	rec := &recorder{}
	s := NewStreamer("cats", rec, hclog.NewNullLogger())
	runStreamer(t, s)

	s.Handle(announce(1)) // A
	s.Handle(arrive(1, "A1", false))
	s.Handle(announce(2)) // B
	s.Handle(arrive(2, "B1", false))
	s.Handle(arrive(1, "A2", false))
	s.Handle(arrive(2, "B2", true))
	s.Handle(arrive(1, "A3", true))

	want := []string{"info-1", "A1", "A2", "A3", "info-2", "B1", "B2"}
	require.Eventually(t, func() bool { return len(rec.snapshot()) == len(want) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, want, rec.snapshot())
}

func TestStreamerDrainsBufferedPostsBackToBack(t *testing.T) {
	as := assert.New(t)
	s := NewStreamer("cats", &recorder{}, hclog.NewNullLogger())

	s.Handle(announce(1))
	s.Handle(announce(2))
	s.Handle(announce(3))
	s.Handle(announce(4))
	s.Handle(arrive(2, "B1", true))
	s.Handle(arrive(3, "C1", false))
	s.Handle(arrive(3, "C2", true))
	s.Handle(arrive(4, "D1", false))
	s.Handle(arrive(1, "A1", true))

	items, err := s.drain()
	as.NoError(err)
	var got []string
	for _, it := range items {
		if it.info != nil {
			got = append(got, fmt.Sprintf("info-%d", it.info.ID))
		} else {
			got = append(got, string(it.packet.Payload))
		}
	}
	as.Equal([]string{"info-1", "A1", "info-2", "B1", "info-3", "C1", "C2", "info-4", "D1"}, got)
	as.Equal(uint64(4), s.current)
	as.Empty(s.pending)

	s.Handle(arrive(4, "D2", true))
	as.Equal(types.ZeroPostID, s.current)
}

func TestStreamerReturnsToIdle(t *testing.T) {
	s := NewStreamer("cats", &recorder{}, hclog.NewNullLogger())
	s.Handle(announce(1))
	s.Handle(arrive(1, "A1", true))
	assert.Equal(t, types.ZeroPostID, s.current)

	s.Handle(announce(2))
	assert.Equal(t, uint64(2), s.current)
}

func TestStreamerAbortPendingPost(t *testing.T) {
	as := assert.New(t)
	s := NewStreamer("cats", &recorder{}, hclog.NewNullLogger())
	s.Handle(announce(1))
	s.Handle(announce(2))
	s.Handle(arrive(2, "B1", false))
	s.Handle(types.DeliveryEvent{Kind: types.DeliveryFailed, PostID: 2})
	s.Handle(announce(3))
	s.Handle(arrive(1, "A1", true))

	items, err := s.drain()
	as.NoError(err)
	as.Len(items, 3) // info-1, A1, info-3
	as.Equal(uint64(3), items[2].info.ID)
}

func TestStreamerAbortCurrentPostBreaksStream(t *testing.T) {
	rec := &recorder{}
	s := NewStreamer("cats", rec, hclog.NewNullLogger())
	_, done := runStreamer(t, s)

	s.Handle(announce(1))
	s.Handle(arrive(1, "A1", false))
	s.Handle(types.DeliveryEvent{Kind: types.DeliveryFailed, PostID: 1})

	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("streamer should stop on an aborted current post")
	}
}

func TestStreamerWriteError(t *testing.T) {
	rec := &recorder{fail: errors.New("gone")}
	s := NewStreamer("cats", rec, hclog.NewNullLogger())
	_, done := runStreamer(t, s)
	s.Handle(announce(1))

	select {
	case err := <-done:
		assert.EqualError(t, err, "gone")
	case <-time.After(2 * time.Second):
		t.Fatal("streamer should stop on a write error")
	}
}

func TestStreamerStopsOnCancel(t *testing.T) {
	s := NewStreamer("cats", &recorder{}, hclog.NewNullLogger())
	cancel, done := runStreamer(t, s)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("streamer should stop on cancel")
	}
}

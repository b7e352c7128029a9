package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/CefBoud/monpost/types"
	"github.com/CefBoud/monpost/utils"
	"github.com/hashicorp/go-hclog"
)

// ItemWriter is the consumer side of a subscription
type ItemWriter interface {
	WritePostInfo(info types.PostInfo) error
	WritePacket(packet types.Packet) error
}

type outbound struct {
	info   *types.PostInfo
	packet *types.Packet
}

// Streamer forwards the live events of one topic to one consumer. Packets of
// concurrently published posts interleave in the store; the consumer receives
// one post at a time, whole, in the order the posts were announced.
type Streamer struct {
	topic  string
	out    ItemWriter
	logger hclog.Logger

	mu      sync.Mutex
	current uint64 // ZeroPostID when idle
	pending []types.PostInfo
	buffers map[uint64][]types.Packet
	queue   []outbound
	broken  error

	ready *utils.ReadyWait
}

// NewStreamer creates an idle streamer writing to out
func NewStreamer(topic string, out ItemWriter, logger hclog.Logger) *Streamer {
	return &Streamer{
		topic:   topic,
		out:     out,
		logger:  logger,
		buffers: make(map[uint64][]types.Packet),
		ready:   utils.NewReadyWait(),
	}
}

// Handle is the store event handler. It never blocks on the consumer.
func (s *Streamer) Handle(ev types.DeliveryEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken != nil {
		return
	}
	switch ev.Kind {
	case types.PostAnnounced:
		s.announce(ev.Info)
	case types.PacketArrived:
		s.packet(ev.Packet)
	case types.DeliveryFailed:
		s.fail(ev.PostID)
	}
	s.ready.Notify()
}

func (s *Streamer) announce(info types.PostInfo) {
	if s.current == types.ZeroPostID {
		s.current = info.ID
		s.queue = append(s.queue, outbound{info: &info})
		return
	}
	s.pending = append(s.pending, info)
	s.buffers[info.ID] = nil
}

func (s *Streamer) packet(p types.Packet) {
	if p.PostID == s.current {
		s.queue = append(s.queue, outbound{packet: &p})
		if p.Final {
			s.advance()
		}
		return
	}
	buf, ok := s.buffers[p.PostID]
	if !ok {
		s.logger.Warn("dropping packet of unknown post", "post", p.PostID)
		return
	}
	s.buffers[p.PostID] = append(buf, p)
}

// advance promotes pending posts once the current one is done, flushing every
// promoted post whose final packet is already buffered
func (s *Streamer) advance() {
	for {
		if len(s.pending) == 0 {
			s.current = types.ZeroPostID
			return
		}
		next := s.pending[0]
		s.pending = s.pending[1:]
		s.current = next.ID
		s.queue = append(s.queue, outbound{info: &next})

		buffered := s.buffers[next.ID]
		delete(s.buffers, next.ID)
		complete := false
		for i := range buffered {
			s.queue = append(s.queue, outbound{packet: &buffered[i]})
			complete = complete || buffered[i].Final
		}
		if !complete {
			return
		}
	}
}

func (s *Streamer) fail(postID uint64) {
	if postID == s.current {
		// the consumer already has part of this post
		s.broken = fmt.Errorf("post %d of topic %s aborted while streaming", postID, s.topic)
		return
	}
	if _, ok := s.buffers[postID]; !ok {
		return
	}
	delete(s.buffers, postID)
	for i, info := range s.pending {
		if info.ID == postID {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			break
		}
	}
}

func (s *Streamer) drain() ([]outbound, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := s.queue
	s.queue = nil
	return items, s.broken
}

// Run is the writer loop. It sleeps until items are queued and returns when
// ctx ends, a write fails or the stream is broken.
func (s *Streamer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ready.Wait():
		}
		items, err := s.drain()
		if err != nil {
			return err
		}
		for _, item := range items {
			if item.info != nil {
				err = s.out.WritePostInfo(*item.info)
			} else {
				err = s.out.WritePacket(*item.packet)
			}
			if err != nil {
				return err
			}
		}
	}
}

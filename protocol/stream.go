package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/CefBoud/monpost/types"
)

// Mode is a delivery mode of a post stream
type Mode int

// Delivery modes
const (
	// Normal streams start with the number of posts that follow
	Normal Mode = iota
	// KeepAlive streams start with UnboundedCount, the receiver loops until the connection ends
	KeepAlive
	// WithoutCount streams carry no count, the receiver is already looping
	WithoutCount
)

func (m Mode) String() string {
	switch m {
	case Normal:
		return "NORMAL"
	case KeepAlive:
		return "KEEP_ALIVE"
	case WithoutCount:
		return "WITHOUT_COUNT"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// UnboundedCount is the count announcing a KeepAlive stream
const UnboundedCount int32 = -1

// CompletionFunc is told how a push ended
type CompletionFunc func(success bool, topic string)

// Pusher writes posts on a connection
type Pusher struct {
	Conn       *Conn
	Topic      string
	Mode       Mode
	OnComplete CompletionFunc
}

// Push writes the count (depending on the mode) then every post as its
// PostInfo followed by its packets
func (p *Pusher) Push(posts []types.Post) error {
	err := p.push(posts)
	if p.OnComplete != nil {
		p.OnComplete(err == nil, p.Topic)
	}
	return err
}

func (p *Pusher) push(posts []types.Post) error {
	switch p.Mode {
	case Normal:
		if err := p.Conn.WriteCount(int32(len(posts))); err != nil {
			return err
		}
	case KeepAlive:
		if err := p.Conn.WriteCount(UnboundedCount); err != nil {
			return err
		}
	case WithoutCount:
	default:
		return fmt.Errorf("unknown push mode %d", p.Mode)
	}
	for _, post := range posts {
		if err := p.Conn.WritePostInfo(post.Info); err != nil {
			return err
		}
		for _, packet := range Fragment(post) {
			if err := p.Conn.WritePacket(packet); err != nil {
				return err
			}
		}
	}
	return nil
}

// Sink receives a pulled stream as it arrives
type Sink interface {
	AddPostInfo(info types.PostInfo) error
	AddPacket(packet types.Packet) error
}

// Puller reads posts from a connection into a Sink
type Puller struct {
	Conn *Conn
	Mode Mode
	Sink Sink
	// IdleTimeout ends an unbounded pull that waited that long for the next post. Zero waits forever.
	IdleTimeout time.Duration

	mu  sync.Mutex
	ctx context.Context
}

// Pull reads posts until the announced count is reached or, for unbounded
// streams, until the connection ends or stays idle between two posts.
// It returns the number of complete posts handed to the sink.
func (p *Puller) Pull(ctx context.Context) (int, error) {
	p.ctx = ctx
	stop := context.AfterFunc(ctx, func() {
		p.setReadDeadline(time.Now())
	})
	defer stop()

	n, err := p.pull()
	if err != nil && ctx.Err() != nil {
		return n, ctx.Err()
	}
	return n, err
}

func (p *Puller) pull() (int, error) {
	count := UnboundedCount
	switch p.Mode {
	case Normal, KeepAlive:
		c, err := p.Conn.ReadCount()
		if err != nil {
			return 0, err
		}
		if c < UnboundedCount {
			return 0, fmt.Errorf("%w: negative post count %d", ErrMalformedFrame, c)
		}
		count = c
	case WithoutCount:
	default:
		return 0, fmt.Errorf("unknown pull mode %d", p.Mode)
	}
	unbounded := count == UnboundedCount

	received := 0
	for unbounded || received < int(count) {
		if unbounded && p.IdleTimeout > 0 {
			p.setReadDeadline(time.Now().Add(p.IdleTimeout))
		}
		info, err := p.Conn.ReadPostInfo()
		if err != nil {
			if unbounded && (errors.Is(err, io.EOF) || IsTimeout(err)) {
				// between two posts: the stream simply ended
				return received, nil
			}
			return received, err
		}
		if unbounded && p.IdleTimeout > 0 {
			p.setReadDeadline(time.Time{})
		}
		if err := p.Sink.AddPostInfo(info); err != nil {
			return received, err
		}
		for {
			packet, err := p.Conn.ReadPacket()
			if err != nil {
				return received, err
			}
			if packet.PostID != info.ID {
				return received, fmt.Errorf("%w: packet of post %d while reading post %d", ErrInconsistentStream, packet.PostID, info.ID)
			}
			if err := p.Sink.AddPacket(packet); err != nil {
				return received, err
			}
			if packet.Final {
				break
			}
		}
		received++
	}
	return received, nil
}

// setReadDeadline never pushes the deadline past a cancellation
func (p *Puller) setReadDeadline(t time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx != nil && p.ctx.Err() != nil {
		t = time.Now()
	}
	_ = p.Conn.SetReadDeadline(t)
}

// Assembler is a Sink rebuilding whole posts
type Assembler struct {
	OnPost  func(types.Post) error
	info    *types.PostInfo
	packets []types.Packet
}

// AddPostInfo starts a new post
func (a *Assembler) AddPostInfo(info types.PostInfo) error {
	if a.info != nil {
		return fmt.Errorf("%w: post %d announced while post %d is incomplete", ErrInconsistentStream, info.ID, a.info.ID)
	}
	a.info = &info
	a.packets = nil
	return nil
}

// AddPacket appends a packet and hands the post over on the final one
func (a *Assembler) AddPacket(packet types.Packet) error {
	if a.info == nil {
		return fmt.Errorf("%w: packet of post %d before its PostInfo", ErrInconsistentStream, packet.PostID)
	}
	a.packets = append(a.packets, packet)
	if !packet.Final {
		return nil
	}
	post, err := Reassemble(a.packets, *a.info)
	a.info, a.packets = nil, nil
	if err != nil {
		return err
	}
	if a.OnPost != nil {
		return a.OnPost(post)
	}
	return nil
}

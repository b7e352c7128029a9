package protocol

import (
	"fmt"

	"github.com/CefBoud/monpost/types"
)

// Fragment splits a post's payload into packets of at most types.MaxPacketSize
// bytes. Only the last packet is final. An empty payload gives one empty final packet.
func Fragment(post types.Post) []types.Packet {
	payload := post.Payload
	n := (len(payload) + types.MaxPacketSize - 1) / types.MaxPacketSize
	if n == 0 {
		n = 1
	}
	packets := make([]types.Packet, 0, n)
	for i := 0; i < n; i++ {
		start := i * types.MaxPacketSize
		end := min(start+types.MaxPacketSize, len(payload))
		packets = append(packets, types.Packet{
			PostID:  post.Info.ID,
			Final:   i == n-1,
			Payload: payload[start:end],
		})
	}
	return packets
}

// Reassemble concatenates packets, in order, back into the post described by info
func Reassemble(packets []types.Packet, info types.PostInfo) (types.Post, error) {
	if len(packets) == 0 {
		return types.Post{}, fmt.Errorf("%w: post %d", ErrEmptyPost, info.ID)
	}
	size := 0
	for _, p := range packets {
		if p.PostID != info.ID {
			return types.Post{}, fmt.Errorf("%w: packet of post %d in post %d", ErrInconsistentStream, p.PostID, info.ID)
		}
		size += len(p.Payload)
	}
	payload := make([]byte, 0, size)
	for _, p := range packets {
		payload = append(payload, p.Payload...)
	}
	return types.Post{Info: info, Payload: payload}, nil
}

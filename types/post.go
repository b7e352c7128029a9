package types

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// MaxPacketSize is the largest payload a single Packet carries (512 KiB)
const MaxPacketSize = 512 * 1024

// PlainTextExtension is the reserved extension marking a text post
const PlainTextExtension = "~text"

// ZeroPostID means "no prior post". Real posts never use it.
const ZeroPostID uint64 = 0

// PostInfo describes a post: who posted it, its file type and its identifier
type PostInfo struct {
	PosterID  string `codec:"poster"`
	Extension string `codec:"ext"`
	ID        uint64 `codec:"id"`
}

// IsText reports whether the post carries plain text rather than a file
func (i PostInfo) IsText() bool {
	return i.Extension == PlainTextExtension
}

func (i PostInfo) String() string {
	return fmt.Sprintf("%d-%s.%s", i.ID, i.PosterID, i.Extension)
}

// ErrInvalidPostInfo is returned for a PostInfo that does not make a plain file name
var ErrInvalidPostInfo = errors.New("invalid post info")

// Validate checks that the post is stored as a single file name reading back as
// the same PostInfo: no path separators, no ".." in the poster and no dot in the extension.
func (i PostInfo) Validate() error {
	if strings.ContainsAny(i.PosterID, "/\\\x00") || strings.Contains(i.PosterID, "..") {
		return fmt.Errorf("%w: poster id %q", ErrInvalidPostInfo, i.PosterID)
	}
	if strings.ContainsAny(i.Extension, "./\\\x00") {
		return fmt.Errorf("%w: extension %q", ErrInvalidPostInfo, i.Extension)
	}
	return nil
}

// Post is a content unit with an immutable payload
type Post struct {
	Info    PostInfo
	Payload []byte
}

// Packet is one fragment of a post's payload
type Packet struct {
	PostID  uint64
	Final   bool
	Payload []byte
}

// ConnectionInfo identifies a reachable broker endpoint
type ConnectionInfo struct {
	Address string `codec:"address"`
	Port    int    `codec:"port"`
}

func (c ConnectionInfo) String() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

// ParseConnectionInfo parses a host:port string
func ParseConnectionInfo(s string) (ConnectionInfo, error) {
	host, port, err := net.SplitHostPort(s)
	if err != nil {
		return ConnectionInfo{}, err
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		return ConnectionInfo{}, fmt.Errorf("invalid port in %q: %w", s, err)
	}
	return ConnectionInfo{Address: host, Port: p}, nil
}

// Token is sent by a consumer when subscribing: the topic and the last post it fully received
type Token struct {
	Topic      string `codec:"topic"`
	LastPostID uint64 `codec:"last"`
}

// Node is a broker registered in the cluster
type Node struct {
	ID   string
	Addr ConnectionInfo
}

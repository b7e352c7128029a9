package protocol

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/CefBoud/monpost/compress"
	"github.com/CefBoud/monpost/serde"
	"github.com/CefBoud/monpost/types"
)

// Kind tags the object carried by a frame
type Kind uint8

// Object kinds exchanged on a connection
const (
	KindMessage Kind = iota + 1
	KindCount
	KindPostInfo
	KindPacket
	KindConnectionInfo
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindMessage:
		return "Message"
	case KindCount:
		return "Count"
	case KindPostInfo:
		return "PostInfo"
	case KindPacket:
		return "Packet"
	case KindConnectionInfo:
		return "ConnectionInfo"
	case KindBool:
		return "Bool"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// MaxFrameSize bounds a single frame. A compressed packet may be slightly
// larger than its payload, hence the headroom.
const MaxFrameSize = 2*types.MaxPacketSize + 1024

// Conn exchanges framed objects over a duplex stream. A frame is
// `uint32 length | uint8 kind | body`, the length covering kind and body.
// Writes are serialized, reads must come from a single goroutine.
type Conn struct {
	raw         net.Conn
	r           *bufio.Reader
	wmu         sync.Mutex
	compression compress.CompressionType
}

// NewConn wraps an established connection. Outgoing packets are compressed with compression.
func NewConn(raw net.Conn, compression compress.CompressionType) *Conn {
	return &Conn{
		raw:         raw,
		r:           bufio.NewReaderSize(raw, 64*1024),
		compression: compression,
	}
}

// Dial opens a connection to a broker
func Dial(ctx context.Context, addr string, compression compress.CompressionType) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrBrokerNotAvailable, addr, err)
	}
	return NewConn(raw, compression), nil
}

// Close closes the underlying connection, unblocking pending reads and writes
func (c *Conn) Close() error {
	return c.raw.Close()
}

// RemoteAddr is the peer address
func (c *Conn) RemoteAddr() string {
	return c.raw.RemoteAddr().String()
}

// SetReadDeadline sets the deadline of future reads, zero clears it
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.raw.SetReadDeadline(t)
}

// SetDeadline sets read and write deadlines
func (c *Conn) SetDeadline(t time.Time) error {
	return c.raw.SetDeadline(t)
}

func (c *Conn) writeFrame(kind Kind, body []byte) error {
	if len(body)+1 > MaxFrameSize {
		return fmt.Errorf("%w: %s of %d bytes", ErrFrameTooLarge, kind, len(body))
	}
	frame := make([]byte, 5, 5+len(body))
	serde.Encoding.PutUint32(frame, uint32(len(body)+1))
	frame[4] = byte(kind)
	frame = append(frame, body...)

	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.raw.Write(frame); err != nil {
		return fmt.Errorf("%w: write %s: %w", ErrNetworkException, kind, err)
	}
	return nil
}

func (c *Conn) readFrame() (Kind, []byte, error) {
	var lengthBuffer [4]byte
	// ReadFull, partial frames would result in parsing errors
	if _, err := io.ReadFull(c.r, lengthBuffer[:]); err != nil {
		return 0, nil, fmt.Errorf("%w: read frame length: %w", ErrNetworkException, err)
	}
	length := serde.Encoding.Uint32(lengthBuffer[:])
	if length == 0 {
		return 0, nil, fmt.Errorf("%w: zero length frame", ErrMalformedFrame)
	}
	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}
	buffer := make([]byte, length)
	if _, err := io.ReadFull(c.r, buffer); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, fmt.Errorf("%w: read frame body: %w", ErrNetworkException, err)
	}
	return Kind(buffer[0]), buffer[1:], nil
}

func (c *Conn) expect(want Kind) ([]byte, error) {
	kind, body, err := c.readFrame()
	if err != nil {
		return nil, err
	}
	if kind != want {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrUnexpectedObject, want, kind)
	}
	return body, nil
}

func (c *Conn) writeMsgpack(kind Kind, v any) error {
	body, err := encodeMsgpack(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", kind, err)
	}
	return c.writeFrame(kind, body)
}

func (c *Conn) readMsgpack(kind Kind, v any) error {
	body, err := c.expect(kind)
	if err != nil {
		return err
	}
	if err := decodeMsgpack(body, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", ErrMalformedFrame, kind, err)
	}
	return nil
}

// WriteMessage sends a request envelope
func (c *Conn) WriteMessage(m Message) error {
	return c.writeMsgpack(KindMessage, m)
}

// ReadMessage reads a request envelope
func (c *Conn) ReadMessage() (Message, error) {
	var m Message
	err := c.readMsgpack(KindMessage, &m)
	return m, err
}

// WriteCount sends a post count, UnboundedCount for an open-ended stream
func (c *Conn) WriteCount(n int32) error {
	body := serde.Encoding.AppendUint32(nil, uint32(n))
	return c.writeFrame(KindCount, body)
}

// ReadCount reads a post count
func (c *Conn) ReadCount() (int32, error) {
	body, err := c.expect(KindCount)
	if err != nil {
		return 0, err
	}
	if len(body) != 4 {
		return 0, fmt.Errorf("%w: count of %d bytes", ErrMalformedFrame, len(body))
	}
	return int32(serde.Encoding.Uint32(body)), nil
}

// WritePostInfo sends the description of the post whose packets follow
func (c *Conn) WritePostInfo(info types.PostInfo) error {
	return c.writeMsgpack(KindPostInfo, info)
}

// ReadPostInfo reads a post description
func (c *Conn) ReadPostInfo() (types.PostInfo, error) {
	var info types.PostInfo
	err := c.readMsgpack(KindPostInfo, &info)
	return info, err
}

// WritePacket sends one packet, its payload compressed with the connection's codec
func (c *Conn) WritePacket(p types.Packet) error {
	attributes := uint8(c.compression) & compress.AttributeMask
	payload, err := compress.Compress(attributes, p.Payload)
	if err != nil {
		return fmt.Errorf("compress packet of post %d: %w", p.PostID, err)
	}
	encoder := serde.NewEncoder()
	encoder.PutInt64(p.PostID)
	encoder.PutBool(p.Final)
	encoder.PutInt8(attributes)
	encoder.PutBytes(payload)
	return c.writeFrame(KindPacket, encoder.Bytes())
}

// ReadPacket reads one packet
func (c *Conn) ReadPacket() (types.Packet, error) {
	body, err := c.expect(KindPacket)
	if err != nil {
		return types.Packet{}, err
	}
	decoder := serde.NewDecoder(body)
	p := types.Packet{PostID: decoder.UInt64(), Final: decoder.Bool()}
	attributes := decoder.UInt8()
	payload := decoder.GetRemainingBytes()
	if err := decoder.Err(); err != nil {
		return types.Packet{}, fmt.Errorf("%w: packet: %v", ErrMalformedFrame, err)
	}
	p.Payload, err = compress.Decompress(attributes, payload, types.MaxPacketSize)
	if errors.Is(err, compress.ErrSizeExceeded) {
		return types.Packet{}, fmt.Errorf("%w: packet of post %d: %v", ErrFrameTooLarge, p.PostID, err)
	}
	if err != nil {
		return types.Packet{}, fmt.Errorf("%w: packet of post %d: %v", ErrMalformedFrame, p.PostID, err)
	}
	return p, nil
}

// WriteConnectionInfo sends a broker endpoint
func (c *Conn) WriteConnectionInfo(info types.ConnectionInfo) error {
	return c.writeMsgpack(KindConnectionInfo, info)
}

// ReadConnectionInfo reads a broker endpoint
func (c *Conn) ReadConnectionInfo() (types.ConnectionInfo, error) {
	var info types.ConnectionInfo
	err := c.readMsgpack(KindConnectionInfo, &info)
	return info, err
}

// WriteBool sends a boolean reply
func (c *Conn) WriteBool(b bool) error {
	if b {
		return c.writeFrame(KindBool, []byte{1})
	}
	return c.writeFrame(KindBool, []byte{0})
}

// ReadBool reads a boolean reply
func (c *Conn) ReadBool() (bool, error) {
	body, err := c.expect(KindBool)
	if err != nil {
		return false, err
	}
	if len(body) != 1 {
		return false, fmt.Errorf("%w: bool of %d bytes", ErrMalformedFrame, len(body))
	}
	return body[0] != 0, nil
}

// IsTimeout reports whether err comes from an expired deadline
func IsTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

package protocol

import (
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/CefBoud/monpost/compress"
	"github.com/CefBoud/monpost/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageOverConn(t *testing.T) {
	sender, receiver := pipe(t, compress.NONE)

	go func() {
		m, _ := NewTopicMessage(BrokerDiscovery, "news")
		_ = sender.WriteMessage(m)
		tm, _ := NewTokenMessage(types.Token{Topic: "cats", LastPostID: 42})
		_ = sender.WriteMessage(tm)
		_ = sender.WriteConnectionInfo(types.ConnectionInfo{Address: "10.0.0.2", Port: 9093})
	}()

	m, err := receiver.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, BrokerDiscovery, m.Type)
	topic, err := m.Topic()
	require.NoError(t, err)
	assert.Equal(t, "news", topic)

	m, err = receiver.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, InitialiseConsumer, m.Type)
	token, err := m.Token()
	require.NoError(t, err)
	assert.Equal(t, types.Token{Topic: "cats", LastPostID: 42}, token)

	info, err := receiver.ReadConnectionInfo()
	require.NoError(t, err)
	assert.Equal(t, types.ConnectionInfo{Address: "10.0.0.2", Port: 9093}, info)
}

func TestFrameTooLarge(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go func() {
		_, _ = a.Write([]byte{0xff, 0xff, 0xff, 0xff, byte(KindPacket)})
	}()
	_, err := NewConn(b, compress.NONE).ReadPacket()
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestPacketExpandingPastLimit(t *testing.T) {
	for _, ct := range []compress.CompressionType{compress.GZIP, compress.SNAPPY, compress.LZ4, compress.ZSTD} {
		t.Run(ct.String(), func(t *testing.T) {
			sender, receiver := pipe(t, ct)
			go func() {
				_ = sender.WritePacket(types.Packet{PostID: 3, Final: true, Payload: make([]byte, 8*types.MaxPacketSize)})
			}()
			_, err := receiver.ReadPacket()
			assert.ErrorIs(t, err, ErrFrameTooLarge)
		})
	}
}

func TestPacketAtLimit(t *testing.T) {
	sender, receiver := pipe(t, compress.ZSTD)
	go func() {
		_ = sender.WritePacket(types.Packet{PostID: 3, Final: true, Payload: make([]byte, types.MaxPacketSize)})
	}()
	p, err := receiver.ReadPacket()
	require.NoError(t, err)
	assert.Len(t, p.Payload, types.MaxPacketSize)
}

func TestIsRetriable(t *testing.T) {
	as := assert.New(t)
	as.True(IsRetriable(fmt.Errorf("%w: dial", ErrBrokerNotAvailable)))
	as.True(IsRetriable(fmt.Errorf("ctx: %w", fmt.Errorf("%w: eof", ErrNetworkException))))
	as.False(IsRetriable(ErrEmptyPost))
	as.False(IsRetriable(errors.New("plain")))
	as.False(IsRetriable(nil))
}

func TestRequestTypeNames(t *testing.T) {
	assert.Equal(t, "DATA_PACKET_SEND", DataPacketSend.String())
	assert.Equal(t, "UNKNOWN(9)", RequestType(9).String())
}

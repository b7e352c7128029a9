package protocol

import (
	"fmt"

	"github.com/CefBoud/monpost/types"
	"github.com/hashicorp/go-msgpack/v2/codec"
)

// RequestType selects the handler of a connection
type RequestType uint8

// Request types a broker answers
const (
	DataPacketSend     RequestType = 1
	BrokerDiscovery    RequestType = 2
	InitialiseConsumer RequestType = 3
	CreateTopic        RequestType = 4
)

func (t RequestType) String() string {
	switch t {
	case DataPacketSend:
		return "DATA_PACKET_SEND"
	case BrokerDiscovery:
		return "BROKER_DISCOVERY"
	case InitialiseConsumer:
		return "INITIALISE_CONSUMER"
	case CreateTopic:
		return "CREATE_TOPIC"
	}
	return fmt.Sprintf("UNKNOWN(%d)", uint8(t))
}

var msgpackHandle = &codec.MsgpackHandle{}

func encodeMsgpack(v any) ([]byte, error) {
	var b []byte
	if err := codec.NewEncoderBytes(&b, msgpackHandle).Encode(v); err != nil {
		return nil, err
	}
	return b, nil
}

func decodeMsgpack(b []byte, v any) error {
	return codec.NewDecoderBytes(b, msgpackHandle).Decode(v)
}

// Message is the typed envelope opening every connection to a broker.
// Value is opaque here: a topic name, or a Token for InitialiseConsumer.
type Message struct {
	Type  RequestType `codec:"type"`
	Value []byte      `codec:"value"`
}

// NewTopicMessage builds a request whose value is a topic name
func NewTopicMessage(t RequestType, topic string) (Message, error) {
	value, err := encodeMsgpack(topic)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: t, Value: value}, nil
}

// NewTokenMessage builds an InitialiseConsumer request
func NewTokenMessage(token types.Token) (Message, error) {
	value, err := encodeMsgpack(token)
	if err != nil {
		return Message{}, err
	}
	return Message{Type: InitialiseConsumer, Value: value}, nil
}

// Topic decodes the value as a topic name
func (m Message) Topic() (string, error) {
	var topic string
	if err := decodeMsgpack(m.Value, &topic); err != nil {
		return "", fmt.Errorf("%w: %s value is not a topic name: %v", ErrUnexpectedObject, m.Type, err)
	}
	return topic, nil
}

// Token decodes the value as a subscribe token
func (m Message) Token() (types.Token, error) {
	var token types.Token
	if err := decodeMsgpack(m.Value, &token); err != nil {
		return token, fmt.Errorf("%w: %s value is not a token: %v", ErrUnexpectedObject, m.Type, err)
	}
	return token, nil
}

package broker

import (
	"github.com/CefBoud/monpost/protocol"
	"github.com/hashicorp/go-hclog"
)

// RequestHandler is the terminal handler of a request type
type RequestHandler struct {
	Name    string
	Handler func(conn *protocol.Conn, msg protocol.Message, logger hclog.Logger) error
}

// APIDispatcher maps the request type to its handler. Unknown types get a zero RequestHandler.
func (b *Broker) APIDispatcher(requestType protocol.RequestType) RequestHandler {
	switch requestType {
	case protocol.DataPacketSend:
		return RequestHandler{Name: "Publish", Handler: b.handlePublish}
	case protocol.BrokerDiscovery:
		return RequestHandler{Name: "Discover", Handler: b.handleDiscover}
	case protocol.InitialiseConsumer:
		return RequestHandler{Name: "Subscribe", Handler: b.handleSubscribe}
	case protocol.CreateTopic:
		return RequestHandler{Name: "CreateTopic", Handler: b.handleCreateTopic}
	default:
		return RequestHandler{}
	}
}

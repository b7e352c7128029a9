package types

// EventKind tags a DeliveryEvent
type EventKind uint8

// Delivery event kinds emitted by a topic store
const (
	PostAnnounced EventKind = iota + 1
	PacketArrived
	DeliveryFailed
)

func (k EventKind) String() string {
	switch k {
	case PostAnnounced:
		return "PostAnnounced"
	case PacketArrived:
		return "PacketArrived"
	case DeliveryFailed:
		return "DeliveryFailed"
	}
	return "Unknown"
}

// DeliveryEvent is what a topic store hands to its registered handlers.
// Info is set for PostAnnounced, Packet for PacketArrived and PostID for every kind.
type DeliveryEvent struct {
	Kind   EventKind
	Topic  string
	PostID uint64
	Info   PostInfo
	Packet Packet
}

// EventHandler receives delivery events. Handlers run under the topic lock and must not block.
type EventHandler func(DeliveryEvent)

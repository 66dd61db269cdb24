package udpc

// EventType classifies an entry pulled from the external-events queue.
type EventType int

const (
	EventConnected EventType = iota
	EventDisconnected
	EventGoodMode
	EventBadMode
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "CONNECTED"
	case EventDisconnected:
		return "DISCONNECTED"
	case EventGoodMode:
		return "GOOD_MODE"
	case EventBadMode:
		return "BAD_MODE"
	default:
		return "UNKNOWN"
	}
}

// Event is emitted to the application whenever a connection's lifecycle or
// pacing mode changes, and only while EmitEvents is enabled on the Context.
type Event struct {
	Type EventType
	Peer ConnectionId
}

// ReceivedPacket is a payload delivered from a peer, handed to the
// application via Context.GetReceived.
type ReceivedPacket struct {
	Peer ConnectionId
	Data []byte
}

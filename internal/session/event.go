package session

// EventKind tags the closed set of events ProcessOneMessage can produce.
// Implemented as a tagged enum rather than an interface: the set is small
// and fixed, so dynamic dispatch buys nothing but an allocation.
type EventKind int

const (
	// EventNone means no event was raised; nothing for the caller to do.
	EventNone EventKind = iota
	// EventRequestTcpForward: the ME wants a host-local port opened for
	// remote forwarding. Respond via RespondForward(Token, ...).
	EventRequestTcpForward
	// EventOpenChannelResult: reply to a local OpenChannel call.
	EventOpenChannelResult
	// EventIncomingData: recv_buf for Channel grew; call PeekData/PopData.
	EventIncomingData
	// EventSendDataCompletion: the last SendData call has fully drained.
	EventSendDataCompletion
	// EventChannelClosed: the peer closed its end of Channel.
	EventChannelClosed
	// EventMeDisconnect: the ME is gone; stop driving the session.
	EventMeDisconnect
)

// MeEvent is the closed sum type ProcessOneMessage returns. Only the
// fields relevant to Kind are populated; the others are zero.
type MeEvent struct {
	Kind EventKind

	// EventRequestTcpForward
	ForwardAddr  string
	ForwardPort  uint32
	ForwardToken ForwardToken

	// EventOpenChannelResult, EventIncomingData, EventSendDataCompletion,
	// EventChannelClosed
	Channel uint32
	Success bool // EventOpenChannelResult only
}

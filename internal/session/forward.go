package session

// ForwardToken identifies one outstanding tcpip-forward request the
// Multiplexer has not yet accepted or rejected. Replaces the accept/reject
// closure pair the original implementation coupled directly to the
// Session: the token keeps MeEvent a plain data record and keeps all wire
// emission inside the Session.
type ForwardToken uint32

// ForwardDecision is the Multiplexer's answer to a RequestTcpForward event.
type ForwardDecision int

const (
	ForwardReject ForwardDecision = iota
	ForwardAccept
)

type pendingForward struct {
	addr string
	port uint32
}

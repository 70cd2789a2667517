// Package session drives the AMT Port Forwarding state machine: protocol
// version handshake, service negotiation, remote forward grants, channel
// lifecycle, and credit-based flow control. It owns every byte of
// per-channel buffering and is the only thing that writes frames to the
// MEI transport.
package session

import (
	"errors"
	"fmt"
	"io"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"apfd/internal/apf"
)

const serviceName = "pfwd@amt.intel.com"

// Session is driven entirely from one goroutine: ProcessOneMessage and the
// command methods (OpenChannel, SendData, PeekData, PopData, CloseChannel,
// RespondForward) must never run concurrently. There is no internal
// locking, matching the single-threaded event-loop design the Multiplexer
// implements it against.
type Session struct {
	transport Transport
	logger    log.Logger

	channels      map[uint32]*channel
	nextChannelID uint32

	pending   map[ForwardToken]pendingForward
	nextToken ForwardToken
}

// New creates a Session bound to transport. logger may be log.NewNopLogger().
func New(transport Transport, logger log.Logger) *Session {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Session{
		transport: transport,
		logger:    logger,
		channels:  make(map[uint32]*channel),
		pending:   make(map[ForwardToken]pendingForward),
	}
}

// ProcessOneMessage reads exactly one APF frame from the transport and
// dispatches it. It returns (nil, nil) when the frame produced no event
// (e.g. a ProtocolVersion echo, or a channel-local error that was logged
// and dropped per the channel-local error policy). A non-nil error is
// always session-fatal; the caller must stop calling ProcessOneMessage.
func (s *Session) ProcessOneMessage() (*MeEvent, error) {
	buf, err := s.transport.ReadFrame()
	if err != nil {
		if errors.Is(err, io.EOF) {
			level.Info(s.logger).Log("msg", "ME connection closing")
			return &MeEvent{Kind: EventMeDisconnect}, nil
		}
		return nil, fatalf("read frame", err)
	}

	msg, err := apf.Decode(buf)
	if err != nil {
		return nil, fatalf("decode", err)
	}

	switch m := msg.(type) {
	case *apf.Disconnect:
		return s.handleDisconnect(m)
	case *apf.ProtocolVersion:
		return s.handleProtocolVersion(m)
	case *apf.ServiceRequest:
		return s.handleServiceRequest(m)
	case *apf.GlobalRequest:
		return s.handleGlobalRequest(m)
	case *apf.ChannelOpenConfirm:
		return s.handleChannelOpenConfirm(m)
	case *apf.ChannelClose:
		return s.handleChannelClose(m)
	case *apf.ChannelData:
		return s.handleChannelData(m)
	case *apf.ChannelWindowAdjust:
		return s.handleChannelWindowAdjust(m)
	default:
		return nil, fatalf("dispatch", fmt.Errorf("unexpected message type %T", msg))
	}
}

func (s *Session) handleDisconnect(msg *apf.Disconnect) (*MeEvent, error) {
	level.Info(s.logger).Log("msg", "received Disconnect", "reason", msg.Reason)
	return &MeEvent{Kind: EventMeDisconnect}, nil
}

func (s *Session) handleProtocolVersion(msg *apf.ProtocolVersion) (*MeEvent, error) {
	level.Debug(s.logger).Log("msg", "echoing ProtocolVersion", "major", msg.Major, "minor", msg.Minor)
	if err := s.transport.WriteFrame(msg.Encode()); err != nil {
		return nil, fatalf("write ProtocolVersion echo", err)
	}
	return nil, nil
}

func (s *Session) handleServiceRequest(msg *apf.ServiceRequest) (*MeEvent, error) {
	if msg.Name == serviceName {
		acc := &apf.ServiceAccept{Name: msg.Name}
		if err := s.transport.WriteFrame(acc.Encode()); err != nil {
			return nil, fatalf("write ServiceAccept", err)
		}
		return nil, nil
	}

	level.Warn(s.logger).Log("msg", "rejecting unknown service", "name", msg.Name)
	dis := &apf.Disconnect{Reason: apf.ServiceNotAvailable}
	if err := s.transport.WriteFrame(dis.Encode()); err != nil {
		return nil, fatalf("write Disconnect", err)
	}
	return &MeEvent{Kind: EventMeDisconnect}, nil
}

func (s *Session) handleGlobalRequest(msg *apf.GlobalRequest) (*MeEvent, error) {
	switch msg.Request {
	case apf.RequestTCPIPForward:
		token := s.nextToken
		s.nextToken++
		s.pending[token] = pendingForward{addr: msg.Addr, port: msg.Port}
		return &MeEvent{
			Kind:         EventRequestTcpForward,
			ForwardAddr:  msg.Addr,
			ForwardPort:  msg.Port,
			ForwardToken: token,
		}, nil
	case apf.RequestCancelTCPIPForward:
		// No in-band recovery once a remote forward is live; ending the
		// session is simpler and safer than partial teardown of a single
		// grant (decided open question — see DESIGN.md).
		return nil, fatalf("handle GlobalRequest", fmt.Errorf("cancel-tcpip-forward is not supported"))
	default:
		return nil, fatalf("handle GlobalRequest", fmt.Errorf("unsupported request %q", msg.Request))
	}
}

func (s *Session) handleChannelOpenConfirm(msg *apf.ChannelOpenConfirm) (*MeEvent, error) {
	c, ok := s.channels[msg.Recipient]
	if !ok || c.state != channelPending {
		level.Warn(s.logger).Log("msg", "ChannelOpenConfirm for unknown channel", "recipient", msg.Recipient)
		return &MeEvent{Kind: EventOpenChannelResult, Channel: msg.Recipient, Success: false}, nil
	}

	c.state = channelOpen
	c.peerChannelID = msg.Sender
	c.sendWindow = msg.Window

	return &MeEvent{Kind: EventOpenChannelResult, Channel: msg.Recipient, Success: true}, nil
}

func (s *Session) handleChannelClose(msg *apf.ChannelClose) (*MeEvent, error) {
	if _, ok := s.channels[msg.Recipient]; !ok {
		level.Warn(s.logger).Log("msg", "ChannelClose for unknown channel", "recipient", msg.Recipient)
		return nil, nil
	}
	// Cleanup happens when the Multiplexer calls CloseChannel; this event
	// only reports that the peer closed its side.
	return &MeEvent{Kind: EventChannelClosed, Channel: msg.Recipient}, nil
}

func (s *Session) handleChannelData(msg *apf.ChannelData) (*MeEvent, error) {
	c, ok := s.channels[msg.Recipient]
	if !ok {
		level.Warn(s.logger).Log("msg", "ChannelData for unknown channel", "recipient", msg.Recipient)
		return nil, nil
	}
	c.recvBuf = append(c.recvBuf, msg.Data...)
	return &MeEvent{Kind: EventIncomingData, Channel: msg.Recipient}, nil
}

func (s *Session) handleChannelWindowAdjust(msg *apf.ChannelWindowAdjust) (*MeEvent, error) {
	c, ok := s.channels[msg.Recipient]
	if !ok {
		level.Warn(s.logger).Log("msg", "ChannelWindowAdjust for unknown channel", "recipient", msg.Recipient)
		return nil, nil
	}

	c.sendWindow += msg.BytesToAdd

	if len(c.sendBuf) > 0 {
		if err := s.flushSendBuffer(c); err != nil {
			return nil, err
		}
	}

	if len(c.sendBuf) == 0 && c.wantSendCompletion {
		c.wantSendCompletion = false
		return &MeEvent{Kind: EventSendDataCompletion, Channel: msg.Recipient}, nil
	}
	return nil, nil
}

// flushSendBuffer emits at most one ChannelData frame of
// min(len(sendBuf), sendWindow) bytes, per the "exactly one frame per
// flush" ordering guarantee.
func (s *Session) flushSendBuffer(c *channel) error {
	n := len(c.sendBuf)
	if uint32(n) > c.sendWindow {
		n = int(c.sendWindow)
	}
	if n == 0 {
		return nil
	}
	frame := &apf.ChannelData{Recipient: c.peerChannelID, Data: c.sendBuf[:n]}
	if err := s.transport.WriteFrame(frame.Encode()); err != nil {
		return fatalf("write ChannelData", err)
	}
	c.sendWindow -= uint32(n)
	c.sendBuf = c.sendBuf[n:]
	return nil
}

// OpenChannel allocates a new local channel id, registers it in pending
// state, and sends ChannelOpen. The caller must wait for the matching
// EventOpenChannelResult before calling SendData.
func (s *Session) OpenChannel(origPort, destPort uint32) (uint32, error) {
	id := s.nextChannelID
	s.nextChannelID++

	s.channels[id] = &channel{state: channelPending}

	open := &apf.ChannelOpen{
		ChannelType: apf.ForwardedTCPIP,
		Sender:      id,
		Window:      initialRecvWindow,
		ConnAddr:    "127.0.0.1",
		ConnPort:    destPort,
		OrigAddr:    "127.0.0.1",
		OrigPort:    origPort,
	}
	if err := s.transport.WriteFrame(open.Encode()); err != nil {
		delete(s.channels, id)
		return 0, fatalf("write ChannelOpen", err)
	}
	return id, nil
}

// SendData appends data to the channel's send buffer and flushes as much
// as the current window allows. It reports whether bytes remain buffered.
func (s *Session) SendData(ch uint32, data []byte) (bool, error) {
	if len(data) == 0 {
		return false, fmt.Errorf("session: cannot send 0 bytes")
	}
	c, ok := s.channels[ch]
	if !ok {
		return false, fmt.Errorf("session: unknown channel %d", ch)
	}

	c.sendBuf = append(c.sendBuf, data...)
	c.wantSendCompletion = true
	if err := s.flushSendBuffer(c); err != nil {
		return false, err
	}
	return len(c.sendBuf) > 0, nil
}

// PeekData returns a read-only view of the channel's receive buffer.
func (s *Session) PeekData(ch uint32) ([]byte, error) {
	c, ok := s.channels[ch]
	if !ok {
		return nil, fmt.Errorf("session: unknown channel %d", ch)
	}
	return c.recvBuf, nil
}

// PopData drops the first n bytes of the channel's receive buffer and
// returns that many credit bytes to the peer.
func (s *Session) PopData(ch uint32, n uint32) error {
	c, ok := s.channels[ch]
	if !ok {
		return fmt.Errorf("session: unknown channel %d", ch)
	}
	if int(n) > len(c.recvBuf) {
		return fmt.Errorf("session: cannot pop %d bytes, only %d buffered", n, len(c.recvBuf))
	}
	c.recvBuf = c.recvBuf[n:]

	adjust := &apf.ChannelWindowAdjust{Recipient: c.peerChannelID, BytesToAdd: n}
	if err := s.transport.WriteFrame(adjust.Encode()); err != nil {
		return fatalf("write ChannelWindowAdjust", err)
	}
	return nil
}

// CloseChannel sends ChannelClose for the peer's id and drops local state.
func (s *Session) CloseChannel(ch uint32) error {
	c, ok := s.channels[ch]
	if !ok {
		return fmt.Errorf("session: unknown channel %d", ch)
	}
	delete(s.channels, ch)

	closeMsg := &apf.ChannelClose{Recipient: c.peerChannelID}
	if err := s.transport.WriteFrame(closeMsg.Encode()); err != nil {
		return fatalf("write ChannelClose", err)
	}
	return nil
}

// RespondForward answers a pending RequestTcpForward. Accept binds in the
// RequestSuccess reply the same port the ME asked for; the token is the
// only thing the Multiplexer needs to hold onto between the event and the
// response, so there is no separate port argument.
func (s *Session) RespondForward(token ForwardToken, decision ForwardDecision) error {
	pf, ok := s.pending[token]
	if !ok {
		return fmt.Errorf("session: unknown or already-answered forward token %d", token)
	}
	delete(s.pending, token)

	switch decision {
	case ForwardAccept:
		msg := &apf.RequestSuccess{PortBound: pf.port, HasPortBound: true}
		if err := s.transport.WriteFrame(msg.Encode()); err != nil {
			return fatalf("write RequestSuccess", err)
		}
	case ForwardReject:
		msg := &apf.RequestFailure{}
		if err := s.transport.WriteFrame(msg.Encode()); err != nil {
			return fatalf("write RequestFailure", err)
		}
	default:
		return fmt.Errorf("session: unknown forward decision %d", decision)
	}
	return nil
}

// Package apf implements the wire codec for the AMT Port Forwarding
// protocol: the SSH-derived, length-prefixed message set the Local
// Manageability Engine (LME) speaks over the MEI character device.
//
// Every message type has exact byte layout; see original_source/apf_messages.cpp
// for the reference implementation this codec is ported from.
package apf

import "fmt"

// Type is the 1-byte wire discriminator for an APF message.
type Type uint8

const (
	TypeDisconnect           Type = 1
	TypeServiceRequest       Type = 5
	TypeServiceAccept        Type = 6
	TypeGlobalRequest        Type = 80
	TypeRequestSuccess       Type = 81
	TypeRequestFailure       Type = 82
	TypeChannelOpen          Type = 90
	TypeChannelOpenConfirm   Type = 91
	TypeChannelWindowAdjust  Type = 93
	TypeChannelData          Type = 94
	TypeChannelClose         Type = 97
	TypeProtocolVersion      Type = 192
)

// DisconnectReason is the 32-bit reason code carried by Disconnect.
type DisconnectReason uint32

// ServiceNotAvailable is the only reason this daemon ever emits: the
// service name in an incoming ServiceRequest wasn't "pfwd@amt.intel.com".
const ServiceNotAvailable DisconnectReason = 7

// ForwardedTCPIP and DirectTCPIP are the two ChannelOpen connection types
// the wire format allows. Only ForwardedTCPIP is ever emitted by this
// daemon (it never opens direct channels), but both are recognized names.
const (
	ForwardedTCPIP = "forwarded-tcpip"
	DirectTCPIP    = "direct-tcpip"
)

// GlobalRequest body kinds this daemon understands. Anything else fails
// to decode per spec (no UDP, no silent/non-reply forwards).
const (
	RequestTCPIPForward       = "tcpip-forward"
	RequestCancelTCPIPForward = "cancel-tcpip-forward"
)

// chanOpenReserved is the fixed reserved word in ChannelOpen, always
// 0xFFFFFFFF on the wire.
const chanOpenReserved uint32 = 0xFFFFFFFF

// protocolVersionFrameLen is the fixed total size of a ProtocolVersion
// frame: type(1) + major(4) + minor(4) + reserved(4) + uuid(16) + trailing(64),
// always 93 bytes on the wire.
const protocolVersionFrameLen = 1 + 4 + 4 + 4 + 16 + 64

// ParseError reports a decode failure: short frame, bad type, length
// mismatch, or an out-of-range length prefix.
type ParseError struct {
	Type Type
	Msg  string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("apf: decode %s: %s", e.Type, e.Msg)
}

func newParseError(t Type, format string, args ...interface{}) *ParseError {
	return &ParseError{Type: t, Msg: fmt.Sprintf(format, args...)}
}

func (t Type) String() string {
	switch t {
	case TypeDisconnect:
		return "Disconnect"
	case TypeServiceRequest:
		return "ServiceRequest"
	case TypeServiceAccept:
		return "ServiceAccept"
	case TypeGlobalRequest:
		return "GlobalRequest"
	case TypeRequestSuccess:
		return "RequestSuccess"
	case TypeRequestFailure:
		return "RequestFailure"
	case TypeChannelOpen:
		return "ChannelOpen"
	case TypeChannelOpenConfirm:
		return "ChannelOpenConfirm"
	case TypeChannelWindowAdjust:
		return "ChannelWindowAdjust"
	case TypeChannelData:
		return "ChannelData"
	case TypeChannelClose:
		return "ChannelClose"
	case TypeProtocolVersion:
		return "ProtocolVersion"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

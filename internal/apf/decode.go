package apf

// Decode parses a single complete APF frame and returns the concrete
// message type as a pointer (e.g. *ChannelData, *Disconnect). Callers
// switch on the dynamic type to dispatch, mirroring the CASE_MSG_TYPE
// dispatch table this codec is ported from.
func Decode(buf []byte) (interface{}, error) {
	if len(buf) < 1 {
		return nil, newParseError(Type(0), "empty frame")
	}
	switch Type(buf[0]) {
	case TypeDisconnect:
		return DecodeDisconnect(buf)
	case TypeProtocolVersion:
		return DecodeProtocolVersion(buf)
	case TypeServiceRequest:
		return DecodeServiceRequest(buf)
	case TypeServiceAccept:
		return DecodeServiceAccept(buf)
	case TypeGlobalRequest:
		return DecodeGlobalRequest(buf)
	case TypeRequestSuccess:
		return DecodeRequestSuccess(buf)
	case TypeRequestFailure:
		return DecodeRequestFailure(buf)
	case TypeChannelOpen:
		return DecodeChannelOpen(buf)
	case TypeChannelOpenConfirm:
		return DecodeChannelOpenConfirm(buf)
	case TypeChannelWindowAdjust:
		return DecodeChannelWindowAdjust(buf)
	case TypeChannelData:
		return DecodeChannelData(buf)
	case TypeChannelClose:
		return DecodeChannelClose(buf)
	default:
		return nil, newParseError(Type(buf[0]), "unknown message type")
	}
}

package apf

// RequestSuccess (type 81): optional port_bound:u32. Only the
// tcpip-forward reply form (with PortBound set) is ever emitted by this
// daemon; the zero-body form exists on the wire for other global request
// kinds it never issues.
type RequestSuccess struct {
	PortBound    uint32
	HasPortBound bool
}

func (m *RequestSuccess) Encode() []byte {
	if !m.HasPortBound {
		return []byte{byte(TypeRequestSuccess)}
	}
	buf := make([]byte, 0, 5)
	buf = append(buf, byte(TypeRequestSuccess))
	buf = putU32(buf, m.PortBound)
	return buf
}

// DecodeRequestSuccess is not exercised by the daemon (it only emits this
// message) but is implemented so the codec round-trips every message type.
func DecodeRequestSuccess(buf []byte) (*RequestSuccess, error) {
	if err := checkType(buf, TypeRequestSuccess); err != nil {
		return nil, err
	}
	switch len(buf) {
	case 1:
		return &RequestSuccess{}, nil
	case 5:
		port, err := getU32(TypeRequestSuccess, buf, 1)
		if err != nil {
			return nil, err
		}
		return &RequestSuccess{PortBound: port, HasPortBound: true}, nil
	default:
		return nil, newParseError(TypeRequestSuccess, "frame is %d bytes, want 1 or 5", len(buf))
	}
}

// RequestFailure (type 82): empty body.
type RequestFailure struct{}

func (m *RequestFailure) Encode() []byte {
	return []byte{byte(TypeRequestFailure)}
}

func DecodeRequestFailure(buf []byte) (*RequestFailure, error) {
	if err := checkType(buf, TypeRequestFailure); err != nil {
		return nil, err
	}
	if err := checkLen(TypeRequestFailure, buf, 1); err != nil {
		return nil, err
	}
	return &RequestFailure{}, nil
}

package apf

// Disconnect (type 1): reason:u32. Sent or received to tear down the
// session; the daemon only ever emits ServiceNotAvailable.
type Disconnect struct {
	Reason DisconnectReason
}

func (m *Disconnect) Encode() []byte {
	buf := make([]byte, 0, 5)
	buf = append(buf, byte(TypeDisconnect))
	buf = putU32(buf, uint32(m.Reason))
	return buf
}

func DecodeDisconnect(buf []byte) (*Disconnect, error) {
	if err := checkType(buf, TypeDisconnect); err != nil {
		return nil, err
	}
	if err := checkLen(TypeDisconnect, buf, 5); err != nil {
		return nil, err
	}
	reason, err := getU32(TypeDisconnect, buf, 1)
	if err != nil {
		return nil, err
	}
	return &Disconnect{Reason: DisconnectReason(reason)}, nil
}

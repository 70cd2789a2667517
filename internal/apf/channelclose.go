package apf

// ChannelClose (type 97): recipient:u32. Exactly 5 bytes. Either side
// sends this to tear down a channel; the peer must echo one back once its
// own half is also closed.
type ChannelClose struct {
	Recipient uint32
}

func (m *ChannelClose) Encode() []byte {
	buf := make([]byte, 0, 5)
	buf = append(buf, byte(TypeChannelClose))
	buf = putU32(buf, m.Recipient)
	return buf
}

func DecodeChannelClose(buf []byte) (*ChannelClose, error) {
	if err := checkType(buf, TypeChannelClose); err != nil {
		return nil, err
	}
	if err := checkLen(TypeChannelClose, buf, 5); err != nil {
		return nil, err
	}
	recipient, err := getU32(TypeChannelClose, buf, 1)
	if err != nil {
		return nil, err
	}
	return &ChannelClose{Recipient: recipient}, nil
}

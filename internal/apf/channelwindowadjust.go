package apf

// ChannelWindowAdjust (type 93): recipient:u32, bytes_to_add:u32.
// Exactly 9 bytes. Either side sends this to grant the peer more send
// credit once it has drained some of its receive buffer.
type ChannelWindowAdjust struct {
	Recipient  uint32
	BytesToAdd uint32
}

func (m *ChannelWindowAdjust) Encode() []byte {
	buf := make([]byte, 0, 9)
	buf = append(buf, byte(TypeChannelWindowAdjust))
	buf = putU32(buf, m.Recipient)
	buf = putU32(buf, m.BytesToAdd)
	return buf
}

func DecodeChannelWindowAdjust(buf []byte) (*ChannelWindowAdjust, error) {
	if err := checkType(buf, TypeChannelWindowAdjust); err != nil {
		return nil, err
	}
	if err := checkLen(TypeChannelWindowAdjust, buf, 9); err != nil {
		return nil, err
	}
	recipient, err := getU32(TypeChannelWindowAdjust, buf, 1)
	if err != nil {
		return nil, err
	}
	bytesToAdd, err := getU32(TypeChannelWindowAdjust, buf, 5)
	if err != nil {
		return nil, err
	}
	return &ChannelWindowAdjust{Recipient: recipient, BytesToAdd: bytesToAdd}, nil
}

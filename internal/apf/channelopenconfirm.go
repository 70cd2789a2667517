package apf

// ChannelOpenConfirm (type 91): recipient:u32, sender:u32, window:u32,
// max_packet_size:u32. Exactly 17 bytes.
//
// The ME's wire frame carries a trailing max_packet_size word (the
// SSH-channel heritage of this protocol) that this daemon has no use for
// and never inspects, but it must still be present on encode and accounted
// for on decode or the frame length check fails against real ME traffic.
type ChannelOpenConfirm struct {
	Recipient     uint32
	Sender        uint32
	Window        uint32
	MaxPacketSize uint32
}

func (m *ChannelOpenConfirm) Encode() []byte {
	buf := make([]byte, 0, 17)
	buf = append(buf, byte(TypeChannelOpenConfirm))
	buf = putU32(buf, m.Recipient)
	buf = putU32(buf, m.Sender)
	buf = putU32(buf, m.Window)
	buf = putU32(buf, m.MaxPacketSize)
	return buf
}

func DecodeChannelOpenConfirm(buf []byte) (*ChannelOpenConfirm, error) {
	if err := checkType(buf, TypeChannelOpenConfirm); err != nil {
		return nil, err
	}
	if err := checkLen(TypeChannelOpenConfirm, buf, 17); err != nil {
		return nil, err
	}
	recipient, err := getU32(TypeChannelOpenConfirm, buf, 1)
	if err != nil {
		return nil, err
	}
	sender, err := getU32(TypeChannelOpenConfirm, buf, 5)
	if err != nil {
		return nil, err
	}
	window, err := getU32(TypeChannelOpenConfirm, buf, 9)
	if err != nil {
		return nil, err
	}
	maxPacketSize, err := getU32(TypeChannelOpenConfirm, buf, 13)
	if err != nil {
		return nil, err
	}
	return &ChannelOpenConfirm{
		Recipient:     recipient,
		Sender:        sender,
		Window:        window,
		MaxPacketSize: maxPacketSize,
	}, nil
}

package apf

// ChannelOpen (type 90): type:lenstr("forwarded-tcpip"|"direct-tcpip"),
// sender:u32, window:u32, reserved:u32=0xFFFFFFFF, conn_addr:lenstr,
// conn_port:u32, orig_addr:lenstr, orig_port:u32.
//
// This daemon only ever emits the forwarded-tcpip form (it never opens a
// direct channel to the ME), but Decode accepts either name so the codec
// round-trips both.
type ChannelOpen struct {
	ChannelType string
	Sender      uint32
	Window      uint32
	ConnAddr    string
	ConnPort    uint32
	OrigAddr    string
	OrigPort    uint32
}

func (m *ChannelOpen) Encode() []byte {
	buf := make([]byte, 0, 1+4+len(m.ChannelType)+4+4+4+4+len(m.ConnAddr)+4+4+len(m.OrigAddr)+4)
	buf = append(buf, byte(TypeChannelOpen))
	buf = putLenStr(buf, m.ChannelType)
	buf = putU32(buf, m.Sender)
	buf = putU32(buf, m.Window)
	buf = putU32(buf, chanOpenReserved)
	buf = putLenStr(buf, m.ConnAddr)
	buf = putU32(buf, m.ConnPort)
	buf = putLenStr(buf, m.OrigAddr)
	buf = putU32(buf, m.OrigPort)
	return buf
}

func DecodeChannelOpen(buf []byte) (*ChannelOpen, error) {
	if err := checkType(buf, TypeChannelOpen); err != nil {
		return nil, err
	}
	channelType, off, err := getLenStr(TypeChannelOpen, buf, 1)
	if err != nil {
		return nil, err
	}
	if channelType != ForwardedTCPIP && channelType != DirectTCPIP {
		return nil, newParseError(TypeChannelOpen, "unknown channel type %q", channelType)
	}
	sender, err := getU32(TypeChannelOpen, buf, off)
	if err != nil {
		return nil, err
	}
	window, err := getU32(TypeChannelOpen, buf, off+4)
	if err != nil {
		return nil, err
	}
	// buf[off+8:off+12] is the fixed reserved word; ignored on decode.
	connAddr, off2, err := getLenStr(TypeChannelOpen, buf, off+12)
	if err != nil {
		return nil, err
	}
	connPort, err := getU32(TypeChannelOpen, buf, off2)
	if err != nil {
		return nil, err
	}
	origAddr, off3, err := getLenStr(TypeChannelOpen, buf, off2+4)
	if err != nil {
		return nil, err
	}
	origPort, err := getU32(TypeChannelOpen, buf, off3)
	if err != nil {
		return nil, err
	}
	if off3+4 != len(buf) {
		return nil, newParseError(TypeChannelOpen, "%d trailing bytes", len(buf)-off3-4)
	}
	return &ChannelOpen{
		ChannelType: channelType,
		Sender:      sender,
		Window:      window,
		ConnAddr:    connAddr,
		ConnPort:    connPort,
		OrigAddr:    origAddr,
		OrigPort:    origPort,
	}, nil
}

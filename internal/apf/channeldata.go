package apf

// ChannelData (type 94): recipient:u32, data:lenstr. At least 9 bytes;
// the frame length must equal 9+len(data) exactly, since data is the
// remainder of the frame rather than an independently bounded lenstr.
type ChannelData struct {
	Recipient uint32
	Data      []byte
}

func (m *ChannelData) Encode() []byte {
	buf := make([]byte, 0, 9+len(m.Data))
	buf = append(buf, byte(TypeChannelData))
	buf = putU32(buf, m.Recipient)
	buf = putU32(buf, uint32(len(m.Data)))
	buf = append(buf, m.Data...)
	return buf
}

func DecodeChannelData(buf []byte) (*ChannelData, error) {
	if err := checkType(buf, TypeChannelData); err != nil {
		return nil, err
	}
	if len(buf) < 9 {
		return nil, newParseError(TypeChannelData, "frame is %d bytes, want at least 9", len(buf))
	}
	recipient, err := getU32(TypeChannelData, buf, 1)
	if err != nil {
		return nil, err
	}
	dataLen, err := getU32(TypeChannelData, buf, 5)
	if err != nil {
		return nil, err
	}
	if uint64(len(buf)) != 9+uint64(dataLen) {
		return nil, newParseError(TypeChannelData, "frame is %d bytes, want %d for declared data length %d", len(buf), 9+dataLen, dataLen)
	}
	data := make([]byte, dataLen)
	copy(data, buf[9:])
	return &ChannelData{Recipient: recipient, Data: data}, nil
}

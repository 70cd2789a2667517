package apf

// GlobalRequest (type 80): request:lenstr, want_reply:u8, addr:lenstr, port:u32.
// Only the tcpip-forward and cancel-tcpip-forward bodies are recognized;
// decoding fails for UDP requests, silent (want_reply=0) requests, or any
// other global request name, since this daemon implements none of those.
type GlobalRequest struct {
	Request   string
	WantReply bool
	Addr      string
	Port      uint32
}

func (m *GlobalRequest) Encode() []byte {
	buf := make([]byte, 0, 1+4+len(m.Request)+1+4+len(m.Addr)+4)
	buf = append(buf, byte(TypeGlobalRequest))
	buf = putLenStr(buf, m.Request)
	if m.WantReply {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = putLenStr(buf, m.Addr)
	buf = putU32(buf, m.Port)
	return buf
}

func DecodeGlobalRequest(buf []byte) (*GlobalRequest, error) {
	if err := checkType(buf, TypeGlobalRequest); err != nil {
		return nil, err
	}
	request, off, err := getLenStr(TypeGlobalRequest, buf, 1)
	if err != nil {
		return nil, err
	}
	if off >= len(buf) {
		return nil, newParseError(TypeGlobalRequest, "missing want_reply byte")
	}
	wantReply := buf[off] == 1
	off++

	if request != RequestTCPIPForward && request != RequestCancelTCPIPForward {
		return nil, newParseError(TypeGlobalRequest, "unsupported request %q", request)
	}
	if !wantReply {
		return nil, newParseError(TypeGlobalRequest, "want_reply=0 is not supported")
	}

	addr, off, err := getLenStr(TypeGlobalRequest, buf, off)
	if err != nil {
		return nil, err
	}
	port, err := getU32(TypeGlobalRequest, buf, off)
	if err != nil {
		return nil, err
	}
	if off+4 != len(buf) {
		return nil, newParseError(TypeGlobalRequest, "%d trailing bytes", len(buf)-off-4)
	}

	return &GlobalRequest{Request: request, WantReply: wantReply, Addr: addr, Port: port}, nil
}

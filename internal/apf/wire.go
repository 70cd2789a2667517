package apf

import "encoding/binary"

// putLenStr appends a 4-byte big-endian length prefix followed by s to buf.
func putLenStr(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// putU32 appends a big-endian uint32 to buf.
func putU32(buf []byte, v uint32) []byte {
	return binary.BigEndian.AppendUint32(buf, v)
}

// getLenStr reads a 4-byte big-endian length prefix followed by that many
// bytes from buf[off:]. It reports the offset just past the string, or an
// error if the prefix would run past the end of buf.
func getLenStr(t Type, buf []byte, off int) (string, int, error) {
	if off+4 > len(buf) {
		return "", 0, newParseError(t, "length prefix at %d overruns %d-byte frame", off, len(buf))
	}
	n := int(binary.BigEndian.Uint32(buf[off : off+4]))
	start := off + 4
	if n < 0 || start+n > len(buf) {
		return "", 0, newParseError(t, "declared string length %d at %d overruns %d-byte frame", n, off, len(buf))
	}
	return string(buf[start : start+n]), start + n, nil
}

// getU32 reads a big-endian uint32 from buf[off:off+4].
func getU32(t Type, buf []byte, off int) (uint32, error) {
	if off+4 > len(buf) {
		return 0, newParseError(t, "u32 at %d overruns %d-byte frame", off, len(buf))
	}
	return binary.BigEndian.Uint32(buf[off : off+4]), nil
}

func checkType(buf []byte, want Type) error {
	if len(buf) < 1 {
		return newParseError(want, "empty frame")
	}
	if Type(buf[0]) != want {
		return newParseError(want, "type byte is %d", buf[0])
	}
	return nil
}

func checkLen(t Type, buf []byte, want int) error {
	if len(buf) != want {
		return newParseError(t, "frame is %d bytes, want exactly %d", len(buf), want)
	}
	return nil
}

package apf

import (
	"encoding/binary"

	"github.com/google/uuid"
)

// ProtocolVersion (type 192) is always a fixed 93-byte frame. Only the
// major/minor version and the embedded UUID are individually meaningful to
// this daemon; everything else (the bytes between minor and the UUID, and
// everything after it) is opaque and must be echoed back verbatim, so Raw
// holds the exact frame bytes and Encode returns them unmodified.
type ProtocolVersion struct {
	Major uint32
	Minor uint32
	UUID  uuid.UUID
	Raw   [protocolVersionFrameLen]byte
}

// NewProtocolVersion builds a fresh 93-byte frame with the reserved and
// trailing regions zeroed, for the (rare) case this side originates a
// ProtocolVersion message rather than echoing one.
func NewProtocolVersion(major, minor uint32, id uuid.UUID) *ProtocolVersion {
	pv := &ProtocolVersion{Major: major, Minor: minor, UUID: id}
	pv.Raw[0] = byte(TypeProtocolVersion)
	binary.BigEndian.PutUint32(pv.Raw[1:5], major)
	binary.BigEndian.PutUint32(pv.Raw[5:9], minor)
	copy(pv.Raw[13:29], id[:])
	return pv
}

func (m *ProtocolVersion) Encode() []byte {
	out := make([]byte, protocolVersionFrameLen)
	copy(out, m.Raw[:])
	return out
}

func DecodeProtocolVersion(buf []byte) (*ProtocolVersion, error) {
	if err := checkType(buf, TypeProtocolVersion); err != nil {
		return nil, err
	}
	if err := checkLen(TypeProtocolVersion, buf, protocolVersionFrameLen); err != nil {
		return nil, err
	}
	major, err := getU32(TypeProtocolVersion, buf, 1)
	if err != nil {
		return nil, err
	}
	minor, err := getU32(TypeProtocolVersion, buf, 5)
	if err != nil {
		return nil, err
	}
	id, err := uuid.FromBytes(buf[13:29])
	if err != nil {
		return nil, newParseError(TypeProtocolVersion, "bad uuid: %v", err)
	}
	pv := &ProtocolVersion{Major: major, Minor: minor, UUID: id}
	copy(pv.Raw[:], buf)
	return pv, nil
}

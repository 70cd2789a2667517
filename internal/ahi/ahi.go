// Package ahi models the AhiHeader wire layout shared by every AMTHI/PTHI
// exchange on the MEI device. It is data-model only: the AMTHI
// request/response client that would drive it is the out-of-scope external
// collaborator (§1 of the spec this package is grounded on); nothing in
// internal/apf, internal/session or internal/apfd reads or writes it.
package ahi

import "encoding/binary"

// Header is the 12-byte little-endian AhiHeader:
// ver_major:u8, ver_minor:u8, reserved:u16, cmd:u32, length:u32, where cmd
// packs operation:23 | is_response:1 | class:8 from LSB to MSB.
type Header [12]byte

const (
	cmdOperationMask = 0x7FFFFF // low 23 bits
	cmdIsResponseBit = 1 << 23  // bit 23
	cmdClassShift    = 24       // top 8 bits
)

// VerMajor returns the header's ver_major byte.
func (h Header) VerMajor() uint8 { return h[0] }

// SetVerMajor sets ver_major.
func (h *Header) SetVerMajor(v uint8) { h[0] = v }

// VerMinor returns the header's ver_minor byte.
func (h Header) VerMinor() uint8 { return h[1] }

// SetVerMinor sets ver_minor.
func (h *Header) SetVerMinor(v uint8) { h[1] = v }

// Reserved returns the 16-bit reserved field (bytes 2:4).
func (h Header) Reserved() uint16 { return binary.LittleEndian.Uint16(h[2:4]) }

// SetReserved sets the reserved field.
func (h *Header) SetReserved(v uint16) { binary.LittleEndian.PutUint16(h[2:4], v) }

// Cmd returns the raw packed cmd word (bytes 4:8).
func (h Header) Cmd() uint32 { return binary.LittleEndian.Uint32(h[4:8]) }

// SetCmd sets the raw packed cmd word.
func (h *Header) SetCmd(v uint32) { binary.LittleEndian.PutUint32(h[4:8], v) }

// Operation returns the 23-bit cmd_operation field.
func (h Header) Operation() uint32 { return h.Cmd() & cmdOperationMask }

// IsResponse returns the 1-bit cmd_is_response field.
func (h Header) IsResponse() bool { return h.Cmd()&cmdIsResponseBit != 0 }

// Class returns the 8-bit cmd_class field.
func (h Header) Class() uint8 { return uint8(h.Cmd() >> cmdClassShift) }

// SetCmdFields packs operation/isResponse/class into the cmd word in one
// call, mirroring AhiHeader::Init in the original implementation.
func (h *Header) SetCmdFields(operation uint32, isResponse bool, class uint8) {
	cmd := operation & cmdOperationMask
	if isResponse {
		cmd |= cmdIsResponseBit
	}
	cmd |= uint32(class) << cmdClassShift
	h.SetCmd(cmd)
}

// Length returns the 32-bit length field (bytes 8:12): the size of the
// payload that follows the header on the wire.
func (h Header) Length() uint32 { return binary.LittleEndian.Uint32(h[8:12]) }

// SetLength sets the length field.
func (h *Header) SetLength(v uint32) { binary.LittleEndian.PutUint32(h[8:12], v) }

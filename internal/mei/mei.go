// Package mei opens the Management Engine Interface character device and
// speaks the connect-client ioctl to bind an APF Transport to the Local
// Manageability Engine (LME) service. Grounded on the teacher's
// pkg/tun.Create (the same raw unix.Syscall(SYS_IOCTL, ...) idiom, swapped
// from TUNSETIFF to IOCTL_MEI_CONNECT_CLIENT) and on the GUID/ClientProperties
// shape in the example pack's pkg/mei package.
package mei

import (
	"encoding/binary"
	"fmt"
	"io"
	"unsafe"

	"golang.org/x/sys/unix"
)

// DefaultDevicePath is the default MEI character device, present once the
// mei_me kernel module is loaded.
const DefaultDevicePath = "/dev/mei0"

// ioctlConnectClient is IOCTL_MEI_CONNECT_CLIENT per include/uapi/linux/mei.h:
// _IOWR('H', 0x01, struct mei_connect_client_data), a 16-byte union of the
// request client GUID and the returned mei_client properties.
const ioctlConnectClient = 0xc0104801

// defaultReadBuf is used when a device reports max_msg_length == 0 (seen
// with some fake/test drivers); real MEI clients always report a positive
// value.
const defaultReadBuf = 9216

// clientGUID is the connect-client ioctl request/response buffer.
type clientGUID [16]byte

// LMEGUID is the Local Manageability Engine client GUID
// 6733a4db-0476-4e7b-b3af-bcfc29bee7a7, encoded in the mixed-endian byte
// order the MEI ioctl expects for a uuid_le (first three fields
// little-endian, last two as raw bytes).
var LMEGUID = clientGUID{
	0xdb, 0xa4, 0x33, 0x67, 0x76, 0x04, 0x7b, 0x4e,
	0xb3, 0xaf, 0xbc, 0xfc, 0x29, 0xbe, 0xe7, 0xa7,
}

// ClientProperties is what the kernel overwrites the GUID buffer with on a
// successful connect: max_msg_length (u32 LE) followed by protocol_version
// (u8), per struct mei_client in include/uapi/linux/mei.h.
type ClientProperties [16]byte

// MaxMsgLength returns the client's negotiated max_msg_length.
func (c ClientProperties) MaxMsgLength() uint32 { return binary.LittleEndian.Uint32(c[:4]) }

// ProtocolVersion returns the client's negotiated protocol_version.
func (c ClientProperties) ProtocolVersion() uint8 { return c[4] }

// Device is an open, connected MEI client fd in non-blocking mode, along
// with the client properties the connect ioctl returned.
type Device struct {
	fd    int
	props ClientProperties
}

// Open opens path, connects to the LME client via IOCTL_MEI_CONNECT_CLIENT,
// and switches the fd non-blocking so it can be driven from an
// internal/apfd epoll loop. The fd is a raw unix fd rather than an
// *os.File so Read/Write never contend with the Go runtime's own file
// poller.
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("mei: open %s: %w", path, err)
	}

	data := LMEGUID
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(ioctlConnectClient), uintptr(unsafe.Pointer(&data))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("mei: IOCTL_MEI_CONNECT_CLIENT: %w", errno)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("mei: set nonblock: %w", err)
	}

	var props ClientProperties
	copy(props[:], data[:])
	return &Device{fd: fd, props: props}, nil
}

// Fd returns the underlying file descriptor, for epoll registration.
func (d *Device) Fd() int { return d.fd }

// MaxMsgLength returns the connect ioctl's negotiated max_msg_length.
func (d *Device) MaxMsgLength() uint32 { return d.props.MaxMsgLength() }

// ProtocolVersion returns the connect ioctl's negotiated protocol version.
func (d *Device) ProtocolVersion() uint8 { return d.props.ProtocolVersion() }

// Close closes the device fd.
func (d *Device) Close() error { return unix.Close(d.fd) }

// ReadFrame reads exactly one APF frame. The MEI driver preserves message
// boundaries, so one read call returns one complete frame; a zero-length
// read reports io.EOF, matching the ME disconnecting its end.
func (d *Device) ReadFrame() ([]byte, error) {
	n := int(d.props.MaxMsgLength())
	if n == 0 {
		n = defaultReadBuf
	}
	buf := make([]byte, n)
	r, err := unix.Read(d.fd, buf)
	if err != nil {
		return nil, fmt.Errorf("mei: read: %w", err)
	}
	if r == 0 {
		return nil, io.EOF
	}
	return buf[:r], nil
}

// WriteFrame writes frame in a single syscall and fails on short write,
// since a partial APF frame cannot be resumed by a second write.
func (d *Device) WriteFrame(frame []byte) error {
	n, err := unix.Write(d.fd, frame)
	if err != nil {
		return fmt.Errorf("mei: write: %w", err)
	}
	if n != len(frame) {
		return fmt.Errorf("mei: short write: wrote %d of %d bytes", n, len(frame))
	}
	return nil
}

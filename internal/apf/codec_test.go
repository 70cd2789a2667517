package apf

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name   string
		encode func() []byte
		decode func([]byte) (interface{}, error)
		want   interface{}
	}{
		{
			name: "Disconnect",
			encode: func() []byte {
				return (&Disconnect{Reason: ServiceNotAvailable}).Encode()
			},
			decode: func(b []byte) (interface{}, error) { return DecodeDisconnect(b) },
			want:   &Disconnect{Reason: ServiceNotAvailable},
		},
		{
			name: "ServiceRequest",
			encode: func() []byte {
				return (&ServiceRequest{Name: "pfwd@amt.intel.com"}).Encode()
			},
			decode: func(b []byte) (interface{}, error) { return DecodeServiceRequest(b) },
			want:   &ServiceRequest{Name: "pfwd@amt.intel.com"},
		},
		{
			name: "ServiceAccept",
			encode: func() []byte {
				return (&ServiceAccept{Name: "pfwd@amt.intel.com"}).Encode()
			},
			decode: func(b []byte) (interface{}, error) { return DecodeServiceAccept(b) },
			want:   &ServiceAccept{Name: "pfwd@amt.intel.com"},
		},
		{
			name: "GlobalRequest",
			encode: func() []byte {
				return (&GlobalRequest{Request: RequestTCPIPForward, WantReply: true, Addr: "0.0.0.0", Port: 16992}).Encode()
			},
			decode: func(b []byte) (interface{}, error) { return DecodeGlobalRequest(b) },
			want:   &GlobalRequest{Request: RequestTCPIPForward, WantReply: true, Addr: "0.0.0.0", Port: 16992},
		},
		{
			name: "RequestSuccess/with port",
			encode: func() []byte {
				return (&RequestSuccess{PortBound: 16992, HasPortBound: true}).Encode()
			},
			decode: func(b []byte) (interface{}, error) { return DecodeRequestSuccess(b) },
			want:   &RequestSuccess{PortBound: 16992, HasPortBound: true},
		},
		{
			name:   "RequestSuccess/empty",
			encode: func() []byte { return (&RequestSuccess{}).Encode() },
			decode: func(b []byte) (interface{}, error) { return DecodeRequestSuccess(b) },
			want:   &RequestSuccess{},
		},
		{
			name:   "RequestFailure",
			encode: func() []byte { return (&RequestFailure{}).Encode() },
			decode: func(b []byte) (interface{}, error) { return DecodeRequestFailure(b) },
			want:   &RequestFailure{},
		},
		{
			name: "ChannelOpen",
			encode: func() []byte {
				return (&ChannelOpen{
					ChannelType: ForwardedTCPIP,
					Sender:      0,
					Window:      4096,
					ConnAddr:    "127.0.0.1",
					ConnPort:    16992,
					OrigAddr:    "127.0.0.1",
					OrigPort:    40000,
				}).Encode()
			},
			decode: func(b []byte) (interface{}, error) { return DecodeChannelOpen(b) },
			want: &ChannelOpen{
				ChannelType: ForwardedTCPIP,
				Sender:      0,
				Window:      4096,
				ConnAddr:    "127.0.0.1",
				ConnPort:    16992,
				OrigAddr:    "127.0.0.1",
				OrigPort:    40000,
			},
		},
		{
			name: "ChannelOpenConfirm",
			encode: func() []byte {
				return (&ChannelOpenConfirm{Recipient: 0, Sender: 17, Window: 1000, MaxPacketSize: 32768}).Encode()
			},
			decode: func(b []byte) (interface{}, error) { return DecodeChannelOpenConfirm(b) },
			want:   &ChannelOpenConfirm{Recipient: 0, Sender: 17, Window: 1000, MaxPacketSize: 32768},
		},
		{
			name: "ChannelWindowAdjust",
			encode: func() []byte {
				return (&ChannelWindowAdjust{Recipient: 0, BytesToAdd: 500}).Encode()
			},
			decode: func(b []byte) (interface{}, error) { return DecodeChannelWindowAdjust(b) },
			want:   &ChannelWindowAdjust{Recipient: 0, BytesToAdd: 500},
		},
		{
			name: "ChannelData",
			encode: func() []byte {
				return (&ChannelData{Recipient: 17, Data: []byte("hello, me")}).Encode()
			},
			decode: func(b []byte) (interface{}, error) { return DecodeChannelData(b) },
			want:   &ChannelData{Recipient: 17, Data: []byte("hello, me")},
		},
		{
			name: "ChannelData/empty",
			encode: func() []byte {
				return (&ChannelData{Recipient: 17, Data: []byte{}}).Encode()
			},
			decode: func(b []byte) (interface{}, error) { return DecodeChannelData(b) },
			want:   &ChannelData{Recipient: 17, Data: []byte{}},
		},
		{
			name:   "ChannelClose",
			encode: func() []byte { return (&ChannelClose{Recipient: 17}).Encode() },
			decode: func(b []byte) (interface{}, error) { return DecodeChannelClose(b) },
			want:   &ChannelClose{Recipient: 17},
		},
		{
			name: "ProtocolVersion",
			encode: func() []byte {
				id := uuid.MustParse("6733a4db-0476-4e7b-b3af-bcfc29bee7a7")
				return NewProtocolVersion(1, 0, id).Encode()
			},
			decode: func(b []byte) (interface{}, error) { return DecodeProtocolVersion(b) },
			want: func() interface{} {
				id := uuid.MustParse("6733a4db-0476-4e7b-b3af-bcfc29bee7a7")
				return NewProtocolVersion(1, 0, id)
			}(),
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire := tc.encode()
			got, err := tc.decode(wire)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if diff := deepDiff(got, tc.want); diff != "" {
				t.Errorf("round trip mismatch: %s", diff)
			}

			generic, err := Decode(wire)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if diff := deepDiff(generic, tc.want); diff != "" {
				t.Errorf("Decode dispatch mismatch: %s", diff)
			}
		})
	}
}

// deepDiff is a minimal structural comparator good enough for the message
// types in this package: it compares the re-encoded wire bytes.
func deepDiff(got, want interface{}) string {
	gb, err1 := encodeAny(got)
	wb, err2 := encodeAny(want)
	if err1 != nil || err2 != nil {
		if got == want {
			return ""
		}
		return "values differ and could not be re-encoded for comparison"
	}
	if !bytes.Equal(gb, wb) {
		return "re-encoded bytes differ"
	}
	return ""
}

// encodeAny re-encodes a decoded message back to wire bytes, used to check
// structural equality without relying on reflect.DeepEqual across the
// Raw-byte-preserving ProtocolVersion fields.
func encodeAny(v interface{}) ([]byte, error) {
	type encoder interface{ Encode() []byte }
	if e, ok := v.(encoder); ok {
		return e.Encode(), nil
	}
	return nil, errNotEncodable
}

var errNotEncodable = &ParseError{Msg: "value has no Encode method"}

func TestRequestSuccessExactBytes(t *testing.T) {
	got := (&RequestSuccess{PortBound: 16992, HasPortBound: true}).Encode()
	want := []byte{0x51, 0x00, 0x00, 0x42, 0x60}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}
}

func TestRequestFailureExactBytes(t *testing.T) {
	got := (&RequestFailure{}).Encode()
	want := []byte{0x52}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}
}

func TestServiceRequestDecodesUnknownService(t *testing.T) {
	msg := (&ServiceRequest{Name: "other"}).Encode()
	_, err := DecodeServiceRequest(msg)
	if err != nil {
		t.Fatalf("decode should succeed at the codec layer, got %v", err)
	}
}

func TestGlobalRequestRejectsUnsupportedKind(t *testing.T) {
	msg := (&GlobalRequest{Request: "udp-forward", WantReply: true, Addr: "0.0.0.0", Port: 53}).Encode()
	_, err := DecodeGlobalRequest(msg)
	if err == nil {
		t.Fatal("expected decode error for unsupported global request kind")
	}
}

func TestGlobalRequestRejectsNoReply(t *testing.T) {
	msg := (&GlobalRequest{Request: RequestTCPIPForward, WantReply: false, Addr: "0.0.0.0", Port: 53}).Encode()
	_, err := DecodeGlobalRequest(msg)
	if err == nil {
		t.Fatal("expected decode error for want_reply=0")
	}
}

func TestChannelOpenConfirmRequiresSeventeenBytes(t *testing.T) {
	short := (&ChannelOpenConfirm{Recipient: 0, Sender: 17, Window: 1000}).Encode()[:13]
	if _, err := DecodeChannelOpenConfirm(short); err == nil {
		t.Fatal("expected decode error for truncated 13-byte frame")
	}
}

func TestChannelDataLengthMismatch(t *testing.T) {
	msg := (&ChannelData{Recipient: 1, Data: []byte("abc")}).Encode()
	msg = append(msg, 0xFF) // trailing garbage byte not accounted for in datalen
	if _, err := DecodeChannelData(msg); err == nil {
		t.Fatal("expected decode error for length mismatch")
	}
}

func TestDecodeUnknownType(t *testing.T) {
	if _, err := Decode([]byte{0xEE}); err == nil {
		t.Fatal("expected error for unknown message type")
	}
}

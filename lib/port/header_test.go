package port

import (
	"bytes"
	"errors"
	"testing"
)

func TestHeader_MarshalUnmarshal(t *testing.T) {
	testCases := []struct {
		name   string
		header Header
	}{
		{
			name: "Basic notification",
			header: Header{
				Name:        "creating-runtime",
				MessageType: MessageTypeNotify,
				Payload:     []byte(`{"type":"creating-runtime"}`),
			},
		},
		{
			name: "Error response",
			header: Header{
				Name:        "init-runtime",
				IsError:     true,
				MessageType: MessageTypeError,
				Payload:     []byte("engine scripts failed"),
			},
		},
		{
			name: "Protocol message without payload",
			header: Header{
				Name:        NameShutdownAck,
				MessageType: MessageTypeAck,
			},
		},
		{
			name: "Unicode name",
			header: Header{
				Name:        "런타임",
				MessageType: MessageTypeRequest,
				Payload:     []byte("데이터"),
			},
		},
		{
			name: "Large payload",
			header: Header{
				Name:        "bulk",
				MessageType: MessageTypeRequest,
				Payload:     bytes.Repeat([]byte{0xAB}, 64*1024),
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			data, err := tc.header.MarshalBinary()
			if err != nil {
				t.Fatalf("MarshalBinary failed: %v", err)
			}

			want := headerOverhead + len(tc.header.Name) + len(tc.header.Payload)
			if len(data) != want {
				t.Errorf("encoded length: expected %d, got %d", want, len(data))
			}

			var header Header
			if err := header.UnmarshalBinary(data); err != nil {
				t.Fatalf("UnmarshalBinary failed: %v", err)
			}

			if header.Name != tc.header.Name {
				t.Errorf("Name mismatch: expected %q, got %q", tc.header.Name, header.Name)
			}
			if header.IsError != tc.header.IsError {
				t.Errorf("IsError mismatch: expected %v, got %v", tc.header.IsError, header.IsError)
			}
			if header.MessageType != tc.header.MessageType {
				t.Errorf("MessageType mismatch: expected %v, got %v", tc.header.MessageType, header.MessageType)
			}
			if !bytes.Equal(header.Payload, tc.header.Payload) {
				t.Errorf("Payload mismatch: expected %d bytes, got %d", len(tc.header.Payload), len(header.Payload))
			}
		})
	}
}

func TestHeader_WireLayout(t *testing.T) {
	h := Header{Name: "ab", IsError: true, MessageType: MessageTypeNotify, Payload: []byte("xyz")}
	data, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}

	want := []byte{0, 0, 0, 2, 'a', 'b', 1, 0x03, 0, 0, 0, 3, 'x', 'y', 'z'}
	if !bytes.Equal(data, want) {
		t.Errorf("wire layout mismatch:\nexpected %v\ngot      %v", want, data)
	}
}

func TestHeader_UnmarshalBinary_InvalidData(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
	}{
		{name: "Empty data", data: []byte{}},
		{name: "Too short for name length", data: []byte{1, 2, 3}},
		{name: "Name length exceeds data", data: []byte{0, 0, 1, 0}},
		{name: "Missing flags", data: append([]byte{0, 0, 0, 5}, "hello"...)},
		{name: "Missing message type", data: append(append([]byte{0, 0, 0, 5}, "hello"...), 1)},
		{name: "Missing payload length", data: append(append([]byte{0, 0, 0, 5}, "hello"...), 1, 3)},
		{name: "Payload length exceeds data", data: append(append([]byte{0, 0, 0, 5}, "hello"...), 1, 3, 0, 0, 1, 0)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var header Header
			err := header.UnmarshalBinary(tc.data)
			if err == nil {
				t.Fatal("Expected error for invalid data, but got nil")
			}
			if !errors.Is(err, ErrShortHeader) {
				t.Errorf("expected ErrShortHeader, got %v", err)
			}
		})
	}
}

func TestHeader_UnmarshalBinary_TrailingBytes(t *testing.T) {
	h := Header{Name: "ready", MessageType: MessageTypeNotify}
	data, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary failed: %v", err)
	}

	var header Header
	if err := header.UnmarshalBinary(append(data, 0xFF)); err == nil {
		t.Error("expected error for trailing bytes")
	}
}

func TestMessageType_String(t *testing.T) {
	testCases := map[MessageType]string{
		MessageTypeRequest:  "Request",
		MessageTypeResponse: "Response",
		MessageTypeNotify:   "Notify",
		MessageTypeAck:      "Ack",
		MessageTypeError:    "Error",
		MessageType(0x7F):   "Unknown",
	}
	for mt, want := range testCases {
		if got := mt.String(); got != want {
			t.Errorf("MessageType(%d).String() = %q, want %q", mt, got, want)
		}
	}
}

func BenchmarkHeader_MarshalUnmarshal(b *testing.B) {
	header := Header{
		Name:        "init-runtime",
		MessageType: MessageTypeRequest,
		Payload:     make([]byte, 1024),
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		data, err := header.MarshalBinary()
		if err != nil {
			b.Fatalf("MarshalBinary failed: %v", err)
		}

		var h Header
		if err := h.UnmarshalBinary(data); err != nil {
			b.Fatalf("UnmarshalBinary failed: %v", err)
		}
	}
}

// Package port carries messages between a controller and a bootstrapped worker.
//
// Every message on the wire is a Header: a name, an error flag, a message type
// and an opaque payload encoded with a Codec.
package port

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// MessageType represents the type of message being sent
type MessageType uint8

const (
	MessageTypeRequest  MessageType = 0x01 // Request message (expects response)
	MessageTypeResponse MessageType = 0x02 // Response message (response to request)
	MessageTypeNotify   MessageType = 0x03 // Notification message (no response expected)
	MessageTypeAck      MessageType = 0x04 // Acknowledgment message
	MessageTypeError    MessageType = 0x05 // Error message
)

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeRequest:
		return "Request"
	case MessageTypeResponse:
		return "Response"
	case MessageTypeNotify:
		return "Notify"
	case MessageTypeAck:
		return "Ack"
	case MessageTypeError:
		return "Error"
	default:
		return "Unknown"
	}
}

// Names of the protocol messages both sides understand without a codec.
const (
	NameReady            = "ready"
	NameRequestReady     = "request_ready"
	NameRequestReadyAck  = "request_ready_ack"
	NameShutdown         = "shutdown"
	NameShutdownAck      = "shutdown_ack"
	NameForceShutdown    = "force_shutdown"
	NameForceShutdownAck = "force_shutdown_ack"
)

// name length (4) + error flag (1) + message type (1) + payload length (4)
const headerOverhead = 10

var ErrShortHeader = errors.New("header truncated")

// Header represents the message header containing service name, error status, and payload.
type Header struct {
	Name        string
	IsError     bool
	MessageType MessageType
	Payload     []byte
}

// MarshalBinary encodes the header into binary format.
func (h *Header) MarshalBinary() ([]byte, error) {
	if uint64(len(h.Name)) > 0xFFFFFFFF || uint64(len(h.Payload)) > 0xFFFFFFFF {
		return nil, fmt.Errorf("header %q: field too large", h.Name)
	}

	buf := make([]byte, 0, headerOverhead+len(h.Name)+len(h.Payload))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.Name)))
	buf = append(buf, h.Name...)
	if h.IsError {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, byte(h.MessageType))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(h.Payload)))
	buf = append(buf, h.Payload...)
	return buf, nil
}

// UnmarshalBinary decodes the header from binary format.
func (h *Header) UnmarshalBinary(data []byte) error {
	name, rest, err := readField(data)
	if err != nil {
		return fmt.Errorf("failed to read name: %w", err)
	}
	if len(rest) < 2 {
		return fmt.Errorf("failed to read flags: %w", ErrShortHeader)
	}
	isError, messageType := rest[0] == 1, MessageType(rest[1])

	payload, rest, err := readField(rest[2:])
	if err != nil {
		return fmt.Errorf("failed to read payload: %w", err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("%d trailing bytes after payload", len(rest))
	}

	h.Name = string(name)
	h.IsError = isError
	h.MessageType = messageType
	h.Payload = append([]byte(nil), payload...)
	return nil
}

func readField(data []byte) (field, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, ErrShortHeader
	}
	n := binary.BigEndian.Uint32(data)
	data = data[4:]
	if uint64(len(data)) < uint64(n) {
		return nil, nil, ErrShortHeader
	}
	return data[:n], data[n:], nil
}

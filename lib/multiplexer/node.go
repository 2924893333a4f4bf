package multiplexer

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
)

const (
	// 1 byte frame type, 4 bytes sequence, 4 bytes data length.
	MessageHeaderSize = 9

	MessageHeaderTypeStart    = uint8(0x01)
	MessageHeaderTypeEnd      = uint8(0x02)
	MessageHeaderTypeData     = uint8(0x03)
	MessageHeaderTypeError    = uint8(0x04)
	MessageHeaderTypeComplete = uint8(0x05)
	MessageHeaderTypeAbort    = uint8(0x06)
)

const (
	MessageChunkSize = 1024

	DefaultMaxMessageSize = 10 * 1024 * 1024
	readQueueLength       = 64
)

var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// Message is a reassembled frame sequence. Type is MessageHeaderTypeComplete for
// a full message, MessageHeaderTypeAbort when the sender gave up on it and
// MessageHeaderTypeError for stream errors carried in Data.
type Message struct {
	ID   uint32
	Data []byte
	Type uint8
}

// Node frames messages over a reader/writer pair. Writes are serialised;
// reads are driven by a single goroutine started by ReadMessage.
type Node struct {
	reader io.Reader
	writer io.Writer

	writerLock sync.Mutex
	readerLock sync.RWMutex
	pending    map[uint32]*Message

	maxMessageSize int
	sequence       atomic.Uint32
}

func NewNode(reader io.Reader, writer io.Writer) *Node {
	return NewNodeWithLimit(reader, writer, DefaultMaxMessageSize)
}

// NewNodeWithLimit creates a node that drops incoming messages larger than limit bytes.
func NewNodeWithLimit(reader io.Reader, writer io.Writer, limit int) *Node {
	if limit <= 0 {
		limit = DefaultMaxMessageSize
	}
	return &Node{
		reader:         reader,
		writer:         writer,
		pending:        make(map[uint32]*Message),
		maxMessageSize: limit,
	}
}

// ReadMessage starts the read loop and returns the channel completed messages
// are delivered on. The channel is closed when the stream ends or ctx is done.
func (n *Node) ReadMessage(ctx context.Context) (chan *Message, error) {
	if n.reader == nil {
		return nil, fmt.Errorf("reader is nil")
	}

	ch := make(chan *Message, readQueueLength)
	go func() {
		defer close(ch)

		header := make([]byte, MessageHeaderSize)
		buffer := make([]byte, MessageChunkSize)
		for {
			if ctx.Err() != nil {
				return
			}

			if _, err := io.ReadFull(n.reader, header); err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) {
					n.emit(ctx, ch, errorMessage(fmt.Sprintf("read header: %v", err)))
				}
				return
			}

			frameType := header[0]
			frameID := binary.BigEndian.Uint32(header[1:5])
			length := int(binary.BigEndian.Uint32(header[5:9]))

			var payload []byte
			if frameType == MessageHeaderTypeData {
				if length > n.maxMessageSize {
					n.drop(frameID)
					n.emit(ctx, ch, errorMessage(fmt.Sprintf("chunk length %d exceeds maximum %d", length, n.maxMessageSize)))
					return
				}
				if cap(buffer) < length {
					buffer = make([]byte, length)
				}
				if _, err := io.ReadFull(n.reader, buffer[:length]); err != nil {
					n.emit(ctx, ch, errorMessage(fmt.Sprintf("read data: %v", err)))
					return
				}
				payload = buffer[:length]
			}

			if msg := n.apply(frameType, frameID, payload); msg != nil {
				if !n.emit(ctx, ch, msg) {
					return
				}
			}
		}
	}()

	return ch, nil
}

// apply folds one frame into the pending set and returns a message when the
// frame finishes one (or is an error worth reporting).
func (n *Node) apply(frameType uint8, frameID uint32, data []byte) *Message {
	n.readerLock.Lock()
	defer n.readerLock.Unlock()

	switch frameType {
	case MessageHeaderTypeStart:
		if _, exists := n.pending[frameID]; exists {
			return errorMessage(fmt.Sprintf("frame ID %d already exists", frameID))
		}
		n.pending[frameID] = &Message{ID: frameID, Type: MessageHeaderTypeStart}
		return nil

	case MessageHeaderTypeData:
		m, ok := n.pending[frameID]
		if !ok {
			return errorMessage(fmt.Sprintf("unknown frame ID: %d", frameID))
		}
		if len(m.Data)+len(data) > n.maxMessageSize {
			delete(n.pending, frameID)
			return errorMessage(fmt.Sprintf("frame %d: %v", frameID, ErrMessageTooLarge))
		}
		m.Data = append(m.Data, data...)
		return nil

	case MessageHeaderTypeEnd, MessageHeaderTypeAbort:
		m, ok := n.pending[frameID]
		if !ok {
			return errorMessage(fmt.Sprintf("unknown frame ID: %d", frameID))
		}
		delete(n.pending, frameID)
		if frameType == MessageHeaderTypeEnd {
			m.Type = MessageHeaderTypeComplete
		} else {
			m.Type = MessageHeaderTypeAbort
		}
		return m

	default:
		return errorMessage(fmt.Sprintf("unknown message type: %d", frameType))
	}
}

func (n *Node) drop(frameID uint32) {
	n.readerLock.Lock()
	delete(n.pending, frameID)
	n.readerLock.Unlock()
}

func (n *Node) emit(ctx context.Context, ch chan<- *Message, msg *Message) bool {
	select {
	case ch <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

func errorMessage(text string) *Message {
	return &Message{Type: MessageHeaderTypeError, Data: []byte(text)}
}

func (n *Node) write(frameType uint8, frameID uint32, data []byte) error {
	if n.writer == nil {
		return fmt.Errorf("writer is nil")
	}

	frame := make([]byte, MessageHeaderSize, MessageHeaderSize+len(data))
	frame[0] = frameType
	binary.BigEndian.PutUint32(frame[1:5], frameID)
	binary.BigEndian.PutUint32(frame[5:9], uint32(len(data)))
	if frameType == MessageHeaderTypeData {
		frame = append(frame, data...)
	}

	if _, err := n.writer.Write(frame); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// WriteMessageWithSequence writes data as a start/data.../end frame sequence.
// If ctx is cancelled midway an abort frame is written instead of the end frame.
func (n *Node) WriteMessageWithSequence(ctx context.Context, seq uint32, data []byte) error {
	if len(data) > n.maxMessageSize {
		return ErrMessageTooLarge
	}

	// Frames of one message must not interleave with another writer's.
	n.writerLock.Lock()
	defer n.writerLock.Unlock()

	if err := n.write(MessageHeaderTypeStart, seq, nil); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			if abortErr := n.write(MessageHeaderTypeAbort, seq, nil); abortErr != nil {
				return fmt.Errorf("failed to write abort frame: %w", abortErr)
			}
			return err
		}
		if len(data) == 0 {
			break
		}

		chunk := min(len(data), MessageChunkSize)
		if err := n.write(MessageHeaderTypeData, seq, data[:chunk]); err != nil {
			return err
		}
		data = data[chunk:]
	}

	return n.write(MessageHeaderTypeEnd, seq, nil)
}

// WriteMessage sends a message with automatic sequence numbering.
func (n *Node) WriteMessage(ctx context.Context, data []byte) error {
	return n.WriteMessageWithSequence(ctx, n.sequence.Add(1), data)
}

// Close drops partially received messages.
func (n *Node) Close() error {
	n.readerLock.Lock()
	defer n.readerLock.Unlock()
	clear(n.pending)
	return nil
}

// GetPendingMessageCount returns the number of partially received messages.
func (n *Node) GetPendingMessageCount() int {
	n.readerLock.RLock()
	defer n.readerLock.RUnlock()
	return len(n.pending)
}

package multiplexer

import (
	"context"
	"io"
)

// Multiplexer provides a unified interface for message multiplexing
type Multiplexer interface {
	// WriteMessage sends a message with automatic sequence numbering
	WriteMessage(ctx context.Context, data []byte) error

	// WriteMessageWithSequence sends a message with a specific sequence number
	WriteMessageWithSequence(ctx context.Context, seq uint32, data []byte) error

	// ReadMessage reads messages and returns a channel
	ReadMessage(ctx context.Context) (chan *APIMessage, error)

	// Close cleanly shuts down the multiplexer
	Close() error

	// GetPendingMessageCount returns the number of pending messages
	GetPendingMessageCount() int
}

// APIMessage is a complete message received by a Multiplexer.
type APIMessage struct {
	Sequence uint32
	Data     []byte
}

// Config holds configuration options for the multiplexer
type Config struct {
	// MaxMessageSize sets the maximum allowed message size (default: 10MB)
	MaxMessageSize int
}

type nodeMultiplexer struct {
	*Node
}

// ReadMessage forwards complete messages only. Aborted and malformed frame
// sequences never reach callers.
func (m nodeMultiplexer) ReadMessage(ctx context.Context) (chan *APIMessage, error) {
	ch, err := m.Node.ReadMessage(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan *APIMessage, cap(ch))
	go func() {
		defer close(out)
		for msg := range ch {
			if msg.Type != MessageHeaderTypeComplete {
				continue
			}
			select {
			case out <- &APIMessage{Sequence: msg.ID, Data: msg.Data}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// New creates a multiplexer with default limits.
func New(reader io.Reader, writer io.Writer) Multiplexer {
	return nodeMultiplexer{Node: NewNode(reader, writer)}
}

// NewWithConfig creates a multiplexer with custom configuration
func NewWithConfig(reader io.Reader, writer io.Writer, config Config) Multiplexer {
	return nodeMultiplexer{Node: NewNodeWithLimit(reader, writer, config.MaxMessageSize)}
}

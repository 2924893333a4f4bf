// Package worker runs a bootstrap loader behind a multiplexed message channel.
//
// A Module announces itself with a ready message, decodes every other message
// into a bootstrap command and posts messages from the loaded runtime back to
// the controller. Usage errors end Listen with the error so the process can
// exit abnormally.
package worker

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/snowmerak/bootworker/lib/bootstrap"
	"github.com/snowmerak/bootworker/lib/multiplexer"
	"github.com/snowmerak/bootworker/lib/port"
)

// CommandHandler handles decoded commands. *bootstrap.Loader implements it.
type CommandHandler interface {
	Handle(ctx context.Context, cmd bootstrap.Command) (bootstrap.Result, error)
}

// Module is the worker end of a controller connection.
type Module struct {
	multiplexer multiplexer.Multiplexer
	codec       port.Codec
	handler     CommandHandler
	logger      *zap.Logger

	shutdownChan      chan struct{}
	forceShutdownChan chan struct{}
	shutdownOnce      sync.Once
	forceShutdownOnce sync.Once

	activeJobs     sync.WaitGroup
	activeJobCount atomic.Int64

	fatal chan error
}

// Options configure a Module. Zero values select JSON and a no-op logger.
type Options struct {
	Codec          port.Codec
	Logger         *zap.Logger
	MaxMessageSize int
}

// New creates a Module reading commands from reader and writing to writer.
// If reader or writer are nil, they default to os.Stdin and os.Stdout.
func New(reader io.Reader, writer io.Writer, handler CommandHandler, opts Options) *Module {
	if reader == nil {
		reader = os.Stdin
	}
	if writer == nil {
		writer = os.Stdout
	}
	if opts.Codec == nil {
		opts.Codec = port.JSON
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Module{
		multiplexer:       multiplexer.NewWithConfig(reader, writer, multiplexer.Config{MaxMessageSize: opts.MaxMessageSize}),
		codec:             opts.Codec,
		handler:           handler,
		logger:            opts.Logger,
		shutdownChan:      make(chan struct{}),
		forceShutdownChan: make(chan struct{}),
		fatal:             make(chan error, 1),
	}
}

// NewStd creates a Module on the process's standard input and output.
func NewStd(handler CommandHandler, opts Options) *Module {
	return New(os.Stdin, os.Stdout, handler, opts)
}

// PostMessage sends msg to the controller as a notification named after its
// type.
func (m *Module) PostMessage(ctx context.Context, msg port.Message) error {
	payload, err := m.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msg.Type, err)
	}

	return m.writeHeader(ctx, 0, port.Header{
		Name:        msg.Type,
		MessageType: port.MessageTypeNotify,
		Payload:     payload,
	})
}

// SendReady tells the controller the worker is accepting commands.
func (m *Module) SendReady(ctx context.Context) error {
	return m.writeHeader(ctx, 0, port.Header{
		Name:        port.NameReady,
		MessageType: port.MessageTypeNotify,
		Payload:     []byte(m.codec.Name()),
	})
}

// writeHeader writes h, reusing seq when it is a reply.
func (m *Module) writeHeader(ctx context.Context, seq uint32, h port.Header) error {
	data, err := h.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal %s header: %w", h.Name, err)
	}
	if seq == 0 {
		err = m.multiplexer.WriteMessage(ctx, data)
	} else {
		err = m.multiplexer.WriteMessageWithSequence(ctx, seq, data)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", h.Name, err)
	}
	return nil
}

// Shutdown initiates graceful shutdown of the module.
func (m *Module) Shutdown() {
	m.shutdownOnce.Do(func() {
		close(m.shutdownChan)
	})
}

// ForceShutdown initiates immediate shutdown of the module.
func (m *Module) ForceShutdown() {
	m.forceShutdownOnce.Do(func() {
		close(m.forceShutdownChan)
	})
}

// IsShutdown returns true if the module is shutting down (gracefully).
func (m *Module) IsShutdown() bool {
	select {
	case <-m.shutdownChan:
		return true
	default:
		return false
	}
}

// IsForceShutdown returns true if the module is force shutting down.
func (m *Module) IsForceShutdown() bool {
	select {
	case <-m.forceShutdownChan:
		return true
	default:
		return false
	}
}

// ActiveJobs returns the number of commands being handled.
func (m *Module) ActiveJobs() int64 {
	return m.activeJobCount.Load()
}

// Close releases the underlying multiplexer.
func (m *Module) Close() error {
	return m.multiplexer.Close()
}

// Package controller drives a bootstrap worker from the other end of its
// message channel: it starts the worker, waits for it to become ready, sends
// the init-runtime command and delivers the messages the worker posts back.
package controller

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/snowmerak/bootworker/lib/multiplexer"
	"github.com/snowmerak/bootworker/lib/port"
	"github.com/snowmerak/bootworker/lib/transport"
)

// MessageHandler handles a message posted by the worker.
type MessageHandler interface {
	HandleMessage(ctx context.Context, msg port.Message) error
}

// MessageHandlerFunc is a convenience type for converting functions to MessageHandler
type MessageHandlerFunc func(ctx context.Context, msg port.Message) error

// HandleMessage implements MessageHandler.
func (f MessageHandlerFunc) HandleMessage(ctx context.Context, msg port.Message) error {
	return f(ctx, msg)
}

// AnyMessage registers a handler for messages no other handler claims.
const AnyMessage = "*"

const (
	DefaultReadyTimeout   = 5 * time.Second
	DefaultHandlerTimeout = 30 * time.Second
	dispatchQueueLength   = 64
)

// Options configure a Controller. Zero values select defaults.
type Options struct {
	Codec          port.Codec
	Logger         *zap.Logger
	ReadyTimeout   time.Duration
	HandlerTimeout time.Duration
	MaxMessageSize int
}

// Controller manages one worker connection.
type Controller struct {
	provider transport.Provider
	codec    port.Codec
	logger   *zap.Logger

	readyTimeout   time.Duration
	handlerTimeout time.Duration
	maxMessageSize int

	multiplexer multiplexer.Multiplexer

	requestID       atomic.Uint32
	pendingRequests map[uint32]chan reply
	requestMutex    sync.RWMutex

	loadCtx    context.Context
	cancelLoad context.CancelFunc
	closed     atomic.Bool
	wg         sync.WaitGroup

	processExited atomic.Bool
	exitMu        sync.Mutex
	exitErr       error
	done          chan struct{}
	doneOnce      sync.Once

	readySignal      chan struct{}
	shutdownAck      chan struct{}
	forceShutdownAck chan struct{}

	messageHandlers map[string]MessageHandler
	handlerMutex    sync.RWMutex
	dispatch        chan dispatchItem
}

// New creates a Controller that talks to a worker over provider.
func New(provider transport.Provider, opts Options) *Controller {
	if opts.Codec == nil {
		opts.Codec = port.JSON
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = DefaultReadyTimeout
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = DefaultHandlerTimeout
	}

	return &Controller{
		provider:         provider,
		codec:            opts.Codec,
		logger:           opts.Logger,
		readyTimeout:     opts.ReadyTimeout,
		handlerTimeout:   opts.HandlerTimeout,
		maxMessageSize:   opts.MaxMessageSize,
		pendingRequests:  make(map[uint32]chan reply),
		done:             make(chan struct{}),
		readySignal:      make(chan struct{}, 1),
		shutdownAck:      make(chan struct{}, 1),
		forceShutdownAck: make(chan struct{}, 1),
		messageHandlers:  make(map[string]MessageHandler),
		dispatch:         make(chan dispatchItem, dispatchQueueLength),
	}
}

// OnMessage registers h for messages of the given type. Use AnyMessage for a
// fallback. Registering a type again replaces the handler; a nil h removes it.
func (c *Controller) OnMessage(msgType string, h MessageHandler) {
	c.handlerMutex.Lock()
	defer c.handlerMutex.Unlock()
	if h == nil {
		delete(c.messageHandlers, msgType)
		return
	}
	c.messageHandlers[msgType] = h
}

// OnMessageFunc is OnMessage for a plain function.
func (c *Controller) OnMessageFunc(msgType string, h func(ctx context.Context, msg port.Message) error) {
	c.OnMessage(msgType, MessageHandlerFunc(h))
}

func (c *Controller) getMessageHandler(msgType string) (MessageHandler, bool) {
	c.handlerMutex.RLock()
	defer c.handlerMutex.RUnlock()
	if h, ok := c.messageHandlers[msgType]; ok {
		return h, true
	}
	h, ok := c.messageHandlers[AnyMessage]
	return h, ok
}

// Done is closed when the connection to the worker ends.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Err returns the worker's exit error once Done is closed. It is nil when the
// worker exited cleanly or the provider does not own a process.
func (c *Controller) Err() error {
	c.exitMu.Lock()
	defer c.exitMu.Unlock()
	return c.exitErr
}

// IsProcessAlive returns true while the worker is connected.
func (c *Controller) IsProcessAlive() bool {
	return !c.processExited.Load() && !c.closed.Load()
}

func (c *Controller) finish(err error) {
	c.doneOnce.Do(func() {
		c.exitMu.Lock()
		c.exitErr = err
		c.exitMu.Unlock()
		close(c.done)
	})
}

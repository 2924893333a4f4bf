package controller

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/snowmerak/bootworker/lib/multiplexer"
	"github.com/snowmerak/bootworker/lib/port"
	"github.com/snowmerak/bootworker/lib/transport"
)

var (
	ErrClosed        = errors.New("controller is closed")
	ErrNotStarted    = errors.New("controller not started")
	ErrWorkerStopped = errors.New("worker connection closed")
)

const (
	closeTimeout      = 2 * time.Second
	forceCloseTimeout = 500 * time.Millisecond
	shutdownTimeout   = 5 * time.Second
)

// Start opens the channel and waits for the worker's ready signal. ctx bounds
// the whole connection, not just the start.
func (c *Controller) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if c.multiplexer != nil {
		return fmt.Errorf("controller already started")
	}

	reader, writer, err := c.provider.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}

	c.multiplexer = multiplexer.NewWithConfig(reader, writer, multiplexer.Config{MaxMessageSize: c.maxMessageSize})
	c.loadCtx, c.cancelLoad = context.WithCancel(ctx)

	drained := make(chan struct{})

	c.wg.Add(1)
	go c.handleMessages()

	c.wg.Add(1)
	go c.dispatchMessages(drained)

	if w, ok := c.provider.(transport.Waiter); ok {
		c.wg.Add(1)
		go c.monitorProcess(w, drained)
	} else {
		go func() {
			<-drained
			c.processExited.Store(true)
			c.finish(nil)
		}()
	}

	if err := c.waitForReadySignal(); err != nil {
		c.cancelLoad()
		_ = c.provider.Close()
		return err
	}

	c.logger.Debug("worker ready")
	return nil
}

// Close asks the worker to shut down gracefully, then releases the channel.
func (c *Controller) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	if c.multiplexer != nil && c.IsConnected() {
		if err := c.sendControl(port.NameShutdown, "graceful shutdown", 500*time.Millisecond); err == nil {
			select {
			case <-c.shutdownAck:
			case <-c.done:
			case <-time.After(shutdownTimeout):
				c.logger.Warn("timed out waiting for shutdown ack")
			}
		}
	}

	return c.release(closeTimeout)
}

// ForceClose tells the worker to stop immediately and releases the channel
// without waiting for running commands.
func (c *Controller) ForceClose() error {
	if !c.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}

	if c.multiplexer != nil && c.IsConnected() {
		if err := c.sendControl(port.NameForceShutdown, "force shutdown", 200*time.Millisecond); err == nil {
			select {
			case <-c.forceShutdownAck:
			case <-c.done:
			case <-time.After(forceCloseTimeout):
				c.logger.Warn("timed out waiting for force shutdown ack")
			}
		}
	}

	return c.release(forceCloseTimeout)
}

// IsConnected reports whether the message loop is still running.
func (c *Controller) IsConnected() bool {
	select {
	case <-c.done:
		return false
	default:
		return c.loadCtx != nil && c.loadCtx.Err() == nil
	}
}

func (c *Controller) release(timeout time.Duration) error {
	if c.cancelLoad != nil {
		c.cancelLoad()
	}

	closeErr := c.provider.Close()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		c.logger.Warn("close timed out, some goroutines may still be running")
	}

	return closeErr
}

// monitorProcess waits for the worker process after its output is drained.
func (c *Controller) monitorProcess(w transport.Waiter, drained <-chan struct{}) {
	defer c.wg.Done()

	<-drained
	err := w.Wait()
	c.processExited.Store(true)
	if err != nil && !c.closed.Load() {
		c.logger.Error("worker exited", zap.Error(err))
	}

	if c.cancelLoad != nil {
		c.cancelLoad()
	}
	c.finish(err)
}

func (c *Controller) waitForReadySignal() error {
	select {
	case <-c.readySignal:
		return nil
	case <-c.done:
		return fmt.Errorf("worker stopped before it was ready: %w", ErrWorkerStopped)
	case <-c.loadCtx.Done():
		return fmt.Errorf("context cancelled while waiting for ready signal")
	case <-time.After(c.readyTimeout):
		if err := c.RequestReady(); err != nil {
			return fmt.Errorf("timeout waiting for ready signal and failed to request ready: %w", err)
		}
		select {
		case <-c.readySignal:
			return nil
		case <-c.done:
			return fmt.Errorf("worker stopped before it was ready: %w", ErrWorkerStopped)
		case <-c.loadCtx.Done():
			return fmt.Errorf("context cancelled while waiting for ready signal after request")
		case <-time.After(c.readyTimeout):
			return fmt.Errorf("timeout waiting for ready signal from worker even after requesting")
		}
	}
}

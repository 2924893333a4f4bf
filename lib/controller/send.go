package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/snowmerak/bootworker/lib/bootstrap"
	"github.com/snowmerak/bootworker/lib/port"
)

// InitRuntime sends cmd as a request and waits for the worker's report. The
// worker posts creating-runtime and alert-error messages before it replies,
// and InitRuntime returns only after the OnMessage handlers have run for them.
// Handlers must therefore not wait on InitRuntime themselves.
func (c *Controller) InitRuntime(ctx context.Context, cmd *bootstrap.InitRuntime) (port.Report, error) {
	payload, err := c.codec.Marshal(cmd)
	if err != nil {
		return port.Report{}, fmt.Errorf("failed to encode %s: %w", bootstrap.CommandInitRuntime, err)
	}

	resp, err := c.request(ctx, bootstrap.CommandInitRuntime, payload)
	if err != nil {
		return port.Report{}, err
	}

	var report port.Report
	if err := c.codec.Unmarshal(resp.Payload, &report); err != nil {
		return port.Report{}, fmt.Errorf("failed to decode report: %w", err)
	}
	return report, nil
}

// Post sends a command without waiting for a reply. payload is encoded with
// the controller's codec.
func (c *Controller) Post(ctx context.Context, name string, payload any) error {
	data, err := c.codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	return c.write(ctx, 0, port.Header{
		Name:        name,
		MessageType: port.MessageTypeNotify,
		Payload:     data,
	})
}

// RequestReady asks the worker to send its ready signal again.
func (c *Controller) RequestReady() error {
	return c.sendControl(port.NameRequestReady, "please send ready signal", time.Second)
}

func (c *Controller) sendControl(name, text string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return c.write(ctx, 0, port.Header{
		Name:        name,
		MessageType: port.MessageTypeRequest,
		Payload:     []byte(text),
	})
}

func (c *Controller) request(ctx context.Context, name string, payload []byte) (port.Header, error) {
	if c.multiplexer == nil {
		return port.Header{}, ErrNotStarted
	}

	requestID := c.generateRequestID()

	c.requestMutex.Lock()
	if c.closed.Load() || !c.IsConnected() {
		c.requestMutex.Unlock()
		return port.Header{}, ErrClosed
	}
	responseChan := make(chan reply, 1)
	c.pendingRequests[requestID] = responseChan
	c.requestMutex.Unlock()

	defer func() {
		c.requestMutex.Lock()
		delete(c.pendingRequests, requestID)
		c.requestMutex.Unlock()
	}()

	if err := c.write(ctx, requestID, port.Header{
		Name:        name,
		MessageType: port.MessageTypeRequest,
		Payload:     payload,
	}); err != nil {
		return port.Header{}, err
	}

	select {
	case r, ok := <-responseChan:
		if !ok {
			return port.Header{}, fmt.Errorf("%s: %w", name, ErrWorkerStopped)
		}

		// Messages posted before the reply reach their handlers first.
		select {
		case <-r.dispatched:
		case <-ctx.Done():
			return port.Header{}, ctx.Err()
		}

		if r.header.IsError {
			return port.Header{}, fmt.Errorf("worker error for %s: %s", name, r.header.Payload)
		}
		return r.header, nil
	case <-ctx.Done():
		return port.Header{}, ctx.Err()
	case <-c.done:
		return port.Header{}, fmt.Errorf("%s: %w", name, ErrWorkerStopped)
	}
}

func (c *Controller) write(ctx context.Context, seq uint32, h port.Header) error {
	if c.multiplexer == nil {
		return ErrNotStarted
	}

	data, err := h.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to marshal %s header: %w", h.Name, err)
	}

	if seq == 0 {
		err = c.multiplexer.WriteMessage(ctx, data)
	} else {
		err = c.multiplexer.WriteMessageWithSequence(ctx, seq, data)
	}
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", h.Name, err)
	}
	return nil
}

// generateRequestID returns a non-zero id that no pending request uses.
func (c *Controller) generateRequestID() uint32 {
	const maxAttempts = 100

	for attempt := 0; attempt < maxAttempts; attempt++ {
		id := c.requestID.Add(1)
		if id == 0 {
			continue
		}

		c.requestMutex.RLock()
		_, exists := c.pendingRequests[id]
		c.requestMutex.RUnlock()

		if !exists {
			return id
		}
	}

	return c.requestID.Load()
}

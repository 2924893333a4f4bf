package controller

import (
	"context"

	"go.uber.org/zap"

	"github.com/snowmerak/bootworker/lib/port"
)

// dispatchItem is either a posted message or a barrier that dispatchMessages
// closes once every message queued before it has been handled.
type dispatchItem struct {
	msg     port.Message
	barrier chan struct{}
}

// reply is a response header together with the barrier queued when it
// arrived.
type reply struct {
	header     port.Header
	dispatched <-chan struct{}
}

// handleMessages reads the worker's messages. Protocol messages and replies
// are handled in place; posted messages are queued for dispatchMessages so
// handlers see them in the order the worker sent them.
func (c *Controller) handleMessages() {
	defer c.wg.Done()
	defer close(c.dispatch)
	defer func() {
		c.requestMutex.Lock()
		defer c.requestMutex.Unlock()
		for id, ch := range c.pendingRequests {
			close(ch)
			delete(c.pendingRequests, id)
		}
	}()

	recv, err := c.multiplexer.ReadMessage(c.loadCtx)
	if err != nil {
		c.logger.Error("failed to read messages", zap.Error(err))
		return
	}

	for {
		select {
		case <-c.loadCtx.Done():
			return
		case mesg, ok := <-recv:
			if !ok {
				return
			}

			var header port.Header
			if err := header.UnmarshalBinary(mesg.Data); err != nil {
				c.logger.Warn("dropping malformed message", zap.Uint32("sequence", mesg.Sequence), zap.Error(err))
				continue
			}

			switch header.Name {
			case port.NameReady:
				if codec := string(header.Payload); codec != "" && codec != c.codec.Name() {
					c.logger.Warn("worker uses a different codec", zap.String("worker", codec), zap.String("controller", c.codec.Name()))
				}
				signal(c.readySignal)
				continue
			case port.NameShutdownAck:
				signal(c.shutdownAck)
				continue
			case port.NameForceShutdownAck:
				signal(c.forceShutdownAck)
				continue
			case port.NameRequestReadyAck:
				continue
			}

			if header.MessageType == port.MessageTypeResponse || header.MessageType == port.MessageTypeError {
				c.requestMutex.RLock()
				responseChan, exists := c.pendingRequests[mesg.Sequence]
				c.requestMutex.RUnlock()

				if exists {
					barrier := make(chan struct{})
					select {
					case c.dispatch <- dispatchItem{barrier: barrier}:
					case <-c.loadCtx.Done():
						return
					}
					select {
					case responseChan <- reply{header: header, dispatched: barrier}:
					default:
					}
				} else {
					c.logger.Debug("dropping unmatched reply", zap.String("name", header.Name), zap.Uint32("sequence", mesg.Sequence))
				}
				continue
			}

			if header.MessageType != port.MessageTypeNotify {
				c.logger.Debug("ignoring message", zap.String("name", header.Name), zap.Stringer("type", header.MessageType))
				continue
			}

			var msg port.Message
			if err := c.codec.Unmarshal(header.Payload, &msg); err != nil {
				c.logger.Warn("failed to decode posted message", zap.String("name", header.Name), zap.Error(err))
				continue
			}
			if msg.Type == "" {
				msg.Type = header.Name
			}

			select {
			case c.dispatch <- dispatchItem{msg: msg}:
			case <-c.loadCtx.Done():
				return
			}
		}
	}
}

// dispatchMessages runs handlers one message at a time and closes drained
// once the queue is empty and closed.
func (c *Controller) dispatchMessages(drained chan<- struct{}) {
	defer c.wg.Done()
	defer close(drained)

	for item := range c.dispatch {
		if item.barrier != nil {
			close(item.barrier)
			continue
		}

		msg := item.msg
		h, ok := c.getMessageHandler(msg.Type)
		if !ok {
			c.logger.Debug("no handler for message", zap.String("type", msg.Type))
			continue
		}

		ctx, cancel := context.WithTimeout(context.WithoutCancel(c.loadCtx), c.handlerTimeout)
		if err := h.HandleMessage(ctx, msg); err != nil {
			c.logger.Warn("message handler failed", zap.String("type", msg.Type), zap.Error(err))
		}
		cancel()
	}
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

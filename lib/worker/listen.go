package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/snowmerak/bootworker/lib/bootstrap"
	"github.com/snowmerak/bootworker/lib/multiplexer"
	"github.com/snowmerak/bootworker/lib/port"
)

// drainTimeout bounds how long Listen waits for running commands once the
// listen context is done.
const drainTimeout = 5 * time.Second

// Listen sends the ready signal and handles messages until the controller
// closes the channel, a shutdown completes or ctx is done. It returns nil after
// a requested shutdown. A usage error from the handler ends Listen immediately
// and is returned as is.
func (m *Module) Listen(ctx context.Context) error {
	recv, err := m.multiplexer.ReadMessage(ctx)
	if err != nil {
		return fmt.Errorf("failed to read message: %w", err)
	}

	if err := m.SendReady(ctx); err != nil {
		return fmt.Errorf("failed to send ready signal: %w", err)
	}

	listenCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-m.forceShutdownChan:
			cancel()
		case <-listenCtx.Done():
		}
	}()

	for {
		select {
		case err := <-m.fatal:
			return err

		case mesg, ok := <-recv:
			if !ok {
				m.logger.Debug("message channel closed")
				cancel()
				m.drain()
				return m.fatalOr(nil)
			}

			if m.IsForceShutdown() {
				return ctx.Err()
			}

			var header port.Header
			if err := header.UnmarshalBinary(mesg.Data); err != nil {
				m.logger.Warn("dropping malformed message", zap.Uint32("sequence", mesg.Sequence), zap.Error(err))
				continue
			}

			switch header.Name {
			case port.NameShutdown:
				m.Shutdown()
				m.ack(ctx, mesg.Sequence, port.NameShutdownAck, "graceful shutdown started, waiting for jobs to complete")

				go func() {
					done := make(chan struct{})
					go func() {
						m.activeJobs.Wait()
						close(done)
					}()

					select {
					case <-done:
					case <-m.forceShutdownChan:
					}
					cancel()
				}()
				continue

			case port.NameForceShutdown:
				m.ForceShutdown()
				m.ack(ctx, mesg.Sequence, port.NameForceShutdownAck, "force shutting down")
				return nil

			case port.NameRequestReady:
				if err := m.SendReady(listenCtx); err != nil {
					m.logger.Warn("failed to resend ready signal", zap.Error(err))
					continue
				}
				m.ack(ctx, mesg.Sequence, port.NameRequestReadyAck, "ready signal sent in response to request")
				continue
			}

			if m.IsShutdown() {
				m.reject(listenCtx, mesg.Sequence, header, "service unavailable: graceful shutdown in progress")
				continue
			}

			m.activeJobs.Add(1)
			m.activeJobCount.Add(1)
			go func(msg *multiplexer.APIMessage, header port.Header) {
				defer func() {
					m.activeJobs.Done()
					m.activeJobCount.Add(-1)
				}()
				m.processMessage(listenCtx, msg.Sequence, header)
			}(mesg, header)

		case <-listenCtx.Done():
			m.drain()
			if m.IsShutdown() && ctx.Err() == nil {
				return m.fatalOr(nil)
			}
			return m.fatalOr(listenCtx.Err())
		}
	}
}

// processMessage decodes and handles one command. Commands sent as requests
// get a Report in reply; notifications get nothing.
func (m *Module) processMessage(ctx context.Context, seq uint32, header port.Header) {
	cmd, err := bootstrap.DecodeCommand(header.Name, header.Payload, m.codec)
	if err != nil {
		m.fail(err)
		return
	}
	if ir, ok := cmd.(*bootstrap.InitRuntime); ok {
		ir.Port = m
	}

	res, err := m.handler.Handle(ctx, cmd)
	if err != nil {
		m.fail(err)
		return
	}

	m.logger.Debug("command handled",
		zap.String("command", header.Name),
		zap.Stringer("outcome", res.Outcome),
		zap.Error(res.Err),
	)

	if header.MessageType != port.MessageTypeRequest {
		return
	}

	report := port.Report{Outcome: res.Outcome.String(), Alert: res.Alert}
	if res.Err != nil {
		report.Error = res.Err.Error()
	}
	payload, err := m.codec.Marshal(report)
	if err != nil {
		m.logger.Warn("failed to encode report", zap.String("command", header.Name), zap.Error(err))
		return
	}

	if err := m.writeHeader(ctx, seq, port.Header{
		Name:        header.Name,
		MessageType: port.MessageTypeResponse,
		Payload:     payload,
	}); err != nil {
		m.logger.Warn("failed to send report", zap.String("command", header.Name), zap.Error(err))
	}
}

// fail records a fatal error. Only the first one is kept.
func (m *Module) fail(err error) {
	var usage *bootstrap.UsageError
	if errors.As(err, &usage) {
		m.logger.Error("usage error", zap.String("op", usage.Op), zap.Error(usage.Err))
	} else {
		m.logger.Error("command handler failed", zap.Error(err))
	}

	select {
	case m.fatal <- err:
	default:
	}
}

func (m *Module) fatalOr(err error) error {
	select {
	case fatal := <-m.fatal:
		return fatal
	default:
		return err
	}
}

func (m *Module) drain() {
	done := make(chan struct{})
	go func() {
		m.activeJobs.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		m.logger.Warn("timed out waiting for active jobs", zap.Int64("active", m.ActiveJobs()))
	}
}

func (m *Module) ack(ctx context.Context, seq uint32, name, text string) {
	if err := m.writeHeader(ctx, seq, port.Header{
		Name:        name,
		MessageType: port.MessageTypeAck,
		Payload:     []byte(text),
	}); err != nil {
		m.logger.Warn("failed to send ack", zap.String("name", name), zap.Error(err))
	}
}

func (m *Module) reject(ctx context.Context, seq uint32, header port.Header, text string) {
	if header.MessageType != port.MessageTypeRequest {
		m.logger.Warn("dropping command during shutdown", zap.String("command", header.Name))
		return
	}
	if err := m.writeHeader(ctx, seq, port.Header{
		Name:        header.Name,
		IsError:     true,
		MessageType: port.MessageTypeError,
		Payload:     []byte(text),
	}); err != nil {
		m.logger.Warn("failed to reject command", zap.String("command", header.Name), zap.Error(err))
	}
}

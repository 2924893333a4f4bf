package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// DefaultAcceptTimeout is how long each side waits for the other to show up.
const DefaultAcceptTimeout = 5 * time.Second

// UnixSocketProvider provides Unix domain socket communication. The
// controller is the server and the worker dials in.
type UnixSocketProvider struct {
	socketPath string
	isServer   bool
	timeout    time.Duration

	mu       sync.Mutex
	listener net.Listener
	conn     net.Conn
}

// NewUnixSocketProvider creates a new Unix domain socket communication provider.
// A zero timeout selects DefaultAcceptTimeout.
func NewUnixSocketProvider(socketPath string, isServer bool, timeout time.Duration) *UnixSocketProvider {
	if timeout <= 0 {
		timeout = DefaultAcceptTimeout
	}
	return &UnixSocketProvider{
		socketPath: socketPath,
		isServer:   isServer,
		timeout:    timeout,
	}
}

// Path returns the socket path.
func (u *UnixSocketProvider) Path() string {
	return u.socketPath
}

// Listen creates the socket without waiting for a peer. Open calls it when it
// has not been called yet; a controller calls it first so the socket exists
// before the worker starts.
func (u *UnixSocketProvider) Listen() error {
	if !u.isServer {
		return fmt.Errorf("client side of %s cannot listen", u.socketPath)
	}

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.listener != nil {
		return nil
	}

	if err := os.Remove(u.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", u.socketPath)
	if err != nil {
		return fmt.Errorf("failed to create Unix socket listener: %w", err)
	}
	u.listener = listener
	return nil
}

// Open implements Provider.
func (u *UnixSocketProvider) Open(ctx context.Context) (io.Reader, io.Writer, error) {
	var (
		conn net.Conn
		err  error
	)
	if u.isServer {
		conn, err = u.accept(ctx)
	} else {
		conn, err = u.dial(ctx)
	}
	if err != nil {
		return nil, nil, err
	}

	u.mu.Lock()
	u.conn = conn
	u.mu.Unlock()
	return conn, conn, nil
}

func (u *UnixSocketProvider) accept(ctx context.Context) (net.Conn, error) {
	if err := u.Listen(); err != nil {
		return nil, err
	}

	u.mu.Lock()
	listener := u.listener
	u.mu.Unlock()

	connChan := make(chan net.Conn, 1)
	errChan := make(chan error, 1)

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			errChan <- err
			return
		}
		connChan <- conn
	}()

	timer := time.NewTimer(u.timeout)
	defer timer.Stop()

	select {
	case conn := <-connChan:
		return conn, nil
	case err := <-errChan:
		return nil, fmt.Errorf("failed to accept connection: %w", err)
	case <-timer.C:
		listener.Close()
		return nil, fmt.Errorf("timeout waiting for connection on %s", u.socketPath)
	case <-ctx.Done():
		listener.Close()
		return nil, ctx.Err()
	}
}

func (u *UnixSocketProvider) dial(ctx context.Context) (net.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, u.timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	// Wait for socket file to exist
	for {
		if _, err := os.Stat(u.socketPath); err == nil {
			break
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil, fmt.Errorf("socket %s never appeared: %w", u.socketPath, ctx.Err())
		}
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", u.socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Unix socket: %w", err)
	}
	return conn, nil
}

// Close implements Provider. The server side also removes the socket file.
func (u *UnixSocketProvider) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()

	var errs []error
	if u.conn != nil {
		if err := u.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		u.conn = nil
	}
	if u.listener != nil {
		if err := u.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, err)
		}
		u.listener = nil
	}
	if u.isServer {
		if err := os.Remove(u.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

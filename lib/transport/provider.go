// Package transport opens the byte streams a controller and a worker talk over.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/snowmerak/bootworker/lib/process"
)

// Provider creates a communication channel and returns its reader and writer.
type Provider interface {
	Open(ctx context.Context) (io.Reader, io.Writer, error)
	// Close cleans up any resources
	Close() error
}

// Waiter is implemented by providers that own a child process.
type Waiter interface {
	Wait() error
}

var ErrNotOpen = errors.New("provider is not open")

// ForkProvider starts a worker process and talks to it over its stdin and
// stdout.
type ForkProvider struct {
	Path string
	Args []string

	mu   sync.Mutex
	proc *process.Process
}

// Open implements Provider.
func (f *ForkProvider) Open(ctx context.Context) (io.Reader, io.Writer, error) {
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.proc != nil {
		return nil, nil, fmt.Errorf("process %d already started", f.proc.Pid())
	}

	p, err := process.Fork(f.Path, f.Args...)
	if err != nil {
		return nil, nil, err
	}
	f.proc = p
	return p.Stdout(), p.Stdin(), nil
}

// Wait waits for the forked process to exit.
func (f *ForkProvider) Wait() error {
	f.mu.Lock()
	p := f.proc
	f.mu.Unlock()
	if p == nil {
		return ErrNotOpen
	}
	return p.Wait()
}

// Close implements Provider. It closes the worker's stdin and kills it if it
// is still running.
func (f *ForkProvider) Close() error {
	f.mu.Lock()
	p := f.proc
	f.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Close()
}

// StdioProvider is the worker side of a ForkProvider.
type StdioProvider struct{}

// Open implements Provider.
func (StdioProvider) Open(context.Context) (io.Reader, io.Writer, error) {
	return os.Stdin, os.Stdout, nil
}

// Close implements Provider.
func (StdioProvider) Close() error {
	return nil
}

// CustomProvider allows using custom io.Reader/Writer
type CustomProvider struct {
	Reader io.Reader
	Writer io.Writer
}

// Open implements Provider.
func (c *CustomProvider) Open(context.Context) (io.Reader, io.Writer, error) {
	if c.Reader == nil || c.Writer == nil {
		return nil, nil, fmt.Errorf("custom provider needs both a reader and a writer")
	}
	return c.Reader, c.Writer, nil
}

// Close implements Provider. The caller owns the reader and writer.
func (c *CustomProvider) Close() error {
	return nil
}

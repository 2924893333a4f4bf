// Package process starts a worker as a child process connected over its
// standard streams.
package process

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

type Process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser

	closeOnce sync.Once
	closeErr  error
}

// Fork starts path with args. The child's stdin and stdout carry the message
// channel; its stderr is passed through so worker logs never reach the channel.
func Fork(path string, args ...string) (*Process, error) {
	cmd := exec.Command(path, args...)
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	return &Process{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdout,
	}, nil
}

func (p *Process) Stdin() io.WriteCloser {
	return p.stdin
}

func (p *Process) Stdout() io.ReadCloser {
	return p.stdout
}

// Pid returns the child's process id.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}

// Wait waits for the child to exit. Callers must finish reading Stdout first.
func (p *Process) Wait() error {
	if err := p.cmd.Wait(); err != nil {
		return fmt.Errorf("process exited with error: %w", err)
	}
	return nil
}

// Close closes the child's stdin and kills it if it is still running.
func (p *Process) Close() error {
	p.closeOnce.Do(func() {
		if err := p.stdin.Close(); err != nil {
			p.closeErr = fmt.Errorf("failed to close stdin: %w", err)
			return
		}
		if p.cmd.ProcessState != nil {
			return
		}
		if err := p.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
			p.closeErr = fmt.Errorf("failed to kill process: %w", err)
		}
	})
	return p.closeErr
}

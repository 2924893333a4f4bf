package transport_test

import (
	"context"
	"io"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/bootworker/lib/transport"
)

func TestUnixSocketProvider_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "worker.sock")
	server := transport.NewUnixSocketProvider(path, true, time.Second)
	client := transport.NewUnixSocketProvider(path, false, time.Second)
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})

	require.NoError(t, server.Listen())

	type opened struct {
		r   io.Reader
		w   io.Writer
		err error
	}
	accepted := make(chan opened, 1)
	go func() {
		r, w, err := server.Open(context.Background())
		accepted <- opened{r, w, err}
	}()

	cr, cw, err := client.Open(context.Background())
	require.NoError(t, err)

	srv := <-accepted
	require.NoError(t, srv.err)

	_, err = cw.Write([]byte("ping"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(srv.r, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf))

	_, err = srv.w.Write([]byte("pong"))
	require.NoError(t, err)
	_, err = io.ReadFull(cr, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf))
}

func TestUnixSocketProvider_AcceptTimeout(t *testing.T) {
	server := transport.NewUnixSocketProvider(filepath.Join(t.TempDir(), "idle.sock"), true, 50*time.Millisecond)
	defer server.Close()

	_, _, err := server.Open(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestUnixSocketProvider_DialWithoutServer(t *testing.T) {
	client := transport.NewUnixSocketProvider(filepath.Join(t.TempDir(), "missing.sock"), false, 50*time.Millisecond)

	_, _, err := client.Open(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUnixSocketProvider_ClientCannotListen(t *testing.T) {
	client := transport.NewUnixSocketProvider(filepath.Join(t.TempDir(), "c.sock"), false, 0)
	assert.Error(t, client.Listen())
}

func TestForkProvider(t *testing.T) {
	cat, err := exec.LookPath("cat")
	if err != nil {
		t.Skip("cat not available")
	}

	f := &transport.ForkProvider{Path: cat}
	r, w, err := f.Open(context.Background())
	require.NoError(t, err)

	_, _, err = f.Open(context.Background())
	assert.Error(t, err, "a provider forks once")

	_, err = w.Write([]byte("echo"))
	require.NoError(t, err)
	buf := make([]byte, 4)
	_, err = io.ReadFull(r, buf)
	require.NoError(t, err)
	assert.Equal(t, "echo", string(buf))

	require.NoError(t, f.Close())
}

func TestForkProvider_WaitBeforeOpen(t *testing.T) {
	f := &transport.ForkProvider{Path: "unused"}
	assert.ErrorIs(t, f.Wait(), transport.ErrNotOpen)
	assert.NoError(t, f.Close())
}

func TestCustomProvider(t *testing.T) {
	pr, pw := io.Pipe()
	defer pr.Close()

	c := &transport.CustomProvider{Reader: pr, Writer: pw}
	r, w, err := c.Open(context.Background())
	require.NoError(t, err)
	assert.Equal(t, io.Reader(pr), r)
	assert.Equal(t, io.Writer(pw), w)

	_, _, err = (&transport.CustomProvider{Reader: pr}).Open(context.Background())
	assert.Error(t, err)
}

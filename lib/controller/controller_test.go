package controller_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/bootworker/lib/blob"
	"github.com/snowmerak/bootworker/lib/bootstrap"
	"github.com/snowmerak/bootworker/lib/controller"
	"github.com/snowmerak/bootworker/lib/port"
	"github.com/snowmerak/bootworker/lib/script"
	"github.com/snowmerak/bootworker/lib/script/jsctx"
	"github.com/snowmerak/bootworker/lib/transport"
	"github.com/snowmerak/bootworker/lib/worker"
)

const engineJS = `
	function createRuntime(data) { return { data: data }; }
	async function initRuntime(rt, data) {
		data.messagePort.postMessage({ type: "runtime-ready", message: data.exportType });
	}
`

func newScriptServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(code))
	}))
	t.Cleanup(srv.Close)
	return srv
}

// session connects a Controller to an in-process worker over pipes.
type session struct {
	ctrl     *controller.Controller
	messages chan port.Message
	listen   chan error
}

func newSession(t *testing.T) *session {
	t.Helper()

	store := blob.NewStore("test")
	host := script.NewHost(jsctx.New(nil), script.NewFetcher(script.FetcherConfig{Blobs: store}), nil)
	t.Cleanup(func() { _ = host.Close() })
	loader := bootstrap.NewLoader(host, host, store, nil)

	toWorkerR, toWorkerW := io.Pipe()
	toCtrlR, toCtrlW := io.Pipe()

	module := worker.New(toWorkerR, toCtrlW, loader, worker.Options{})
	s := &session{
		messages: make(chan port.Message, 16),
		listen:   make(chan error, 1),
	}
	go func() {
		err := module.Listen(context.Background())
		_ = toCtrlW.Close()
		_ = toWorkerR.Close()
		s.listen <- err
	}()

	s.ctrl = controller.New(&transport.CustomProvider{Reader: toCtrlR, Writer: toWorkerW}, controller.Options{
		ReadyTimeout: time.Second,
	})
	s.ctrl.OnMessageFunc(controller.AnyMessage, func(_ context.Context, msg port.Message) error {
		s.messages <- msg
		return nil
	})
	require.NoError(t, s.ctrl.Start(context.Background()))

	t.Cleanup(func() {
		_ = s.ctrl.ForceClose()
		_ = toWorkerW.Close()
		_ = toCtrlR.Close()
	})
	return s
}

func (s *session) collect(t *testing.T, n int) []port.Message {
	t.Helper()
	var got []port.Message
	for len(got) < n {
		select {
		case msg := <-s.messages:
			got = append(got, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("received %d of %d messages: %v", len(got), n, got)
		}
	}
	return got
}

func (s *session) workerExit(t *testing.T) error {
	t.Helper()
	select {
	case err := <-s.listen:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not exit")
		return nil
	}
}

func TestController_InitRuntime(t *testing.T) {
	srv := newScriptServer(t, map[string]string{"/game/engine.js": engineJS})
	s := newSession(t)

	report, err := s.ctrl.InitRuntime(context.Background(), &bootstrap.InitRuntime{
		BaseURL:                 srv.URL + "/game/",
		DevicePixelRatio:        1,
		WorkerDependencyScripts: []bootstrap.ScriptRef{bootstrap.BlobRef(bootstrap.Blob{Data: []byte("var dep = 1;")})},
		EngineScripts:           []string{"engine.js"},
		ExportType:              "html5",
	})
	require.NoError(t, err)
	assert.Equal(t, bootstrap.OutcomeStarted.String(), report.Outcome)
	assert.Empty(t, report.Error)

	assert.Equal(t, []port.Message{
		{Type: bootstrap.MessageCreatingRuntime},
		{Type: "runtime-ready", Message: "html5"},
	}, s.collect(t, 2))
}

func TestController_InitRuntimeWaitsForHandlers(t *testing.T) {
	srv := newScriptServer(t, map[string]string{"/engine.js": engineJS})
	s := newSession(t)

	var handled atomic.Bool
	s.ctrl.OnMessageFunc(bootstrap.MessageCreatingRuntime, func(context.Context, port.Message) error {
		time.Sleep(50 * time.Millisecond)
		handled.Store(true)
		return nil
	})

	report, err := s.ctrl.InitRuntime(context.Background(), &bootstrap.InitRuntime{
		BaseURL:       srv.URL + "/",
		EngineScripts: []string{"engine.js"},
		ExportType:    "html5",
	})
	require.NoError(t, err)
	assert.Equal(t, bootstrap.OutcomeStarted.String(), report.Outcome)

	assert.True(t, handled.Load(), "creating-runtime handler ran before the report returned")
	select {
	case msg := <-s.messages:
		assert.Equal(t, port.Message{Type: "runtime-ready", Message: "html5"}, msg)
	default:
		t.Fatal("runtime-ready was not dispatched before the report returned")
	}
}

func TestController_EngineScriptsFailSilently(t *testing.T) {
	srv := newScriptServer(t, map[string]string{})
	s := newSession(t)

	report, err := s.ctrl.InitRuntime(context.Background(), &bootstrap.InitRuntime{
		BaseURL:       srv.URL + "/",
		EngineScripts: []string{"missing.js"},
	})
	require.NoError(t, err)
	assert.Equal(t, bootstrap.OutcomeEngineScriptsFailed.String(), report.Outcome)
	assert.NotEmpty(t, report.Error)
	assert.Empty(t, report.Alert)

	select {
	case msg := <-s.messages:
		t.Fatalf("unexpected message %v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestController_ProjectScriptAlert(t *testing.T) {
	srv := newScriptServer(t, map[string]string{
		"/engine.js": engineJS,
		"/main.js":   `var x = ;`,
	})
	s := newSession(t)

	report, err := s.ctrl.InitRuntime(context.Background(), &bootstrap.InitRuntime{
		BaseURL:        srv.URL + "/",
		EngineScripts:  []string{"engine.js"},
		ProjectScripts: []bootstrap.ProjectScript{{Name: "main.js", Location: "main.js"}},
	})
	require.NoError(t, err)
	assert.Equal(t, bootstrap.OutcomeProjectScriptsFailed.String(), report.Outcome)

	want := bootstrap.ProjectScriptMessage("main.js")
	assert.Equal(t, want, report.Alert)
	assert.Equal(t, []port.Message{{Type: bootstrap.MessageAlertError, Message: want}}, s.collect(t, 1))
}

func TestController_SecondInitRuntimeStopsWorker(t *testing.T) {
	srv := newScriptServer(t, map[string]string{"/engine.js": engineJS})
	s := newSession(t)

	cmd := &bootstrap.InitRuntime{BaseURL: srv.URL + "/", EngineScripts: []string{"engine.js"}}
	_, err := s.ctrl.InitRuntime(context.Background(), cmd)
	require.NoError(t, err)

	_, err = s.ctrl.InitRuntime(context.Background(), cmd)
	assert.ErrorIs(t, err, controller.ErrWorkerStopped)

	werr := s.workerExit(t)
	assert.True(t, bootstrap.IsUsageError(werr))
	assert.ErrorIs(t, werr, bootstrap.ErrAlreadyInitialised)

	select {
	case <-s.ctrl.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("controller did not notice the worker exit")
	}
	assert.False(t, s.ctrl.IsProcessAlive())
}

func TestController_UnknownCommandStopsWorker(t *testing.T) {
	s := newSession(t)

	require.NoError(t, s.ctrl.Post(context.Background(), "resize", map[string]int{"width": 10}))

	werr := s.workerExit(t)
	assert.ErrorIs(t, werr, bootstrap.ErrUnknownCommand)
}

func TestController_Close(t *testing.T) {
	s := newSession(t)

	require.NoError(t, s.ctrl.Close())
	assert.NoError(t, s.workerExit(t))
	assert.ErrorIs(t, s.ctrl.Close(), controller.ErrClosed)

	_, err := s.ctrl.InitRuntime(context.Background(), &bootstrap.InitRuntime{BaseURL: "https://example.com/"})
	assert.Error(t, err)
}

func TestController_ForceClose(t *testing.T) {
	s := newSession(t)

	require.NoError(t, s.ctrl.ForceClose())
	assert.NoError(t, s.workerExit(t))
	assert.ErrorIs(t, s.ctrl.ForceClose(), controller.ErrClosed)
}

func TestController_ReadyTimeout(t *testing.T) {
	r, _ := io.Pipe()
	defer r.Close()

	ctrl := controller.New(&transport.CustomProvider{Reader: r, Writer: io.Discard}, controller.Options{
		ReadyTimeout: 20 * time.Millisecond,
	})
	err := ctrl.Start(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "even after requesting")
}

func TestController_NotStarted(t *testing.T) {
	ctrl := controller.New(&transport.CustomProvider{Reader: &io.PipeReader{}, Writer: io.Discard}, controller.Options{})

	_, err := ctrl.InitRuntime(context.Background(), &bootstrap.InitRuntime{})
	assert.ErrorIs(t, err, controller.ErrNotStarted)
	assert.ErrorIs(t, ctrl.Post(context.Background(), "x", nil), controller.ErrNotStarted)
}

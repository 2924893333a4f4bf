package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/snowmerak/bootworker/lib/port"
)

// Loader handles commands for one execution context. It initialises the
// runtime at most once.
type Loader struct {
	exec    ExecutionContext
	factory RuntimeFactory
	blobs   BlobRegistry
	logger  *zap.Logger

	initialised atomic.Bool

	mu      sync.Mutex
	runtime Runtime
}

// NewLoader creates a Loader. blobs may be nil when no command carries blob
// scripts; logger may be nil.
func NewLoader(exec ExecutionContext, factory RuntimeFactory, blobs BlobRegistry, logger *zap.Logger) *Loader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{
		exec:    exec,
		factory: factory,
		blobs:   blobs,
		logger:  logger,
	}
}

// Handle processes one command. The returned error is always a *UsageError;
// load and runtime failures are described by the Result.
func (l *Loader) Handle(ctx context.Context, cmd Command) (Result, error) {
	switch c := cmd.(type) {
	case *InitRuntime:
		if c == nil {
			return Result{}, &UsageError{Op: "handle", Err: fmt.Errorf("%w: nil %s", ErrInvalidCommand, CommandInitRuntime)}
		}
		return l.initRuntime(ctx, c)
	case nil:
		return Result{}, &UsageError{Op: "handle", Err: fmt.Errorf("%w: nil command", ErrInvalidCommand)}
	default:
		return Result{}, &UsageError{Op: "handle", Err: fmt.Errorf("%w '%s'", ErrUnknownCommand, c.CommandType())}
	}
}

// Runtime returns the runtime created by the factory, or nil.
func (l *Loader) Runtime() Runtime {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.runtime
}

func (l *Loader) initRuntime(ctx context.Context, cmd *InitRuntime) (Result, error) {
	if !l.initialised.CompareAndSwap(false, true) {
		return Result{}, &UsageError{Op: CommandInitRuntime, Err: ErrAlreadyInitialised}
	}

	if cmd.Port == nil {
		return Result{}, &UsageError{Op: CommandInitRuntime, Err: fmt.Errorf("%w: no message port", ErrInvalidCommand)}
	}
	base, err := url.Parse(cmd.BaseURL)
	if err != nil || !base.IsAbs() {
		return Result{}, &UsageError{Op: CommandInitRuntime, Err: fmt.Errorf("%w: base url %q", ErrInvalidCommand, cmd.BaseURL)}
	}

	registry := &startupRegistry{}
	l.exec.Install(Environment{
		BaseURL:          base.String(),
		DevicePixelRatio: cmd.DevicePixelRatio,
		RunOnStartup:     registry.add,
	})

	if err := l.loadEngineScripts(ctx, base, cmd); err != nil {
		if usage, ok := asUsageError(err); ok {
			return Result{}, usage
		}
		l.logger.Error("failed to load all engine scripts in worker", zap.Error(err))
		return Result{Outcome: OutcomeEngineScriptsFailed, Err: err}, nil
	}

	if len(cmd.ProjectScripts) > 0 {
		if res, failed, err := l.loadProjectScripts(ctx, cmd); failed || err != nil {
			return res, err
		}
	}

	cmd.RunOnStartup = registry.list()

	if cmd.ExportType == ExportPreview && !l.exec.HasEventScripts() {
		l.logger.Error(eventScriptsMessage)
		l.post(ctx, cmd.Port, port.Message{Type: MessageAlertError, Message: eventScriptsMessage})
		return Result{Outcome: OutcomeEventScriptsMissing, Err: ErrEventScriptsMissing, Alert: eventScriptsMessage}, nil
	}

	l.post(ctx, cmd.Port, port.Message{Type: MessageCreatingRuntime})

	rt, err := l.factory.CreateRuntime(ctx, cmd)
	if err != nil {
		return l.runtimeFailed("failed to create runtime", err)
	}
	l.mu.Lock()
	l.runtime = rt
	l.mu.Unlock()

	if err := l.factory.InitRuntime(ctx, rt, cmd); err != nil {
		return l.runtimeFailed("failed to initialise runtime", err)
	}

	l.logger.Info("runtime started",
		zap.Int("startup_handlers", len(cmd.RunOnStartup)),
		zap.String("export_type", cmd.ExportType),
	)
	return Result{Outcome: OutcomeStarted}, nil
}

// loadEngineScripts runs phase 1: dependency scripts followed by engine
// scripts as a single batch. Blob URLs are revoked once the batch is done.
func (l *Loader) loadEngineScripts(ctx context.Context, base *url.URL, cmd *InitRuntime) error {
	locations := make([]string, 0, len(cmd.WorkerDependencyScripts)+len(cmd.EngineScripts))

	var objectURLs []string
	defer func() {
		for _, u := range objectURLs {
			l.blobs.RevokeObjectURL(u)
		}
	}()

	for _, ref := range cmd.WorkerDependencyScripts {
		if ref.Blob != nil {
			if l.blobs == nil {
				return errors.New("blob dependency script without a blob registry")
			}
			u := l.blobs.CreateObjectURL(*ref.Blob)
			objectURLs = append(objectURLs, u)
			locations = append(locations, u)
			continue
		}

		u, err := ResolveURL(base, ref.URL)
		if err != nil {
			return err
		}
		locations = append(locations, u)
	}

	for _, script := range cmd.EngineScripts {
		u, err := ResolveURL(base, script)
		if err != nil {
			return err
		}
		locations = append(locations, u)
	}

	return l.exec.LoadScripts(ctx, locations)
}

// loadProjectScripts runs phase 2. failed is true when initialisation must
// stop with the returned result.
func (l *Loader) loadProjectScripts(ctx context.Context, cmd *InitRuntime) (res Result, failed bool, err error) {
	status := cmd.ProjectScriptsStatus
	if status == nil {
		status = map[string]bool{}
	}
	l.exec.InstallScriptsStatus(status)

	locations := make([]string, len(cmd.ProjectScripts))
	for i, script := range cmd.ProjectScripts {
		locations[i] = script.Location
	}

	loadErr := l.exec.LoadScripts(ctx, locations)
	if loadErr == nil {
		return Result{}, false, nil
	}
	if usage, ok := asUsageError(loadErr); ok {
		return Result{}, true, usage
	}

	l.logger.Error("error loading project scripts", zap.Error(loadErr))

	alert, err := l.reportProjectScriptError(ctx, cmd.ProjectScripts, status, cmd.Port)
	if err != nil {
		return Result{}, true, err
	}
	if alert == "" {
		// The failure did not reproduce one script at a time. Still tell the
		// controller, a partially loaded project must not start.
		alert = projectScriptsMessage
		l.logger.Error(alert, zap.Error(loadErr))
		l.post(ctx, cmd.Port, port.Message{Type: MessageAlertError, Message: alert})
	}

	return Result{Outcome: OutcomeProjectScriptsFailed, Err: loadErr, Alert: alert}, true, nil
}

func (l *Loader) runtimeFailed(msg string, err error) (Result, error) {
	if usage, ok := asUsageError(err); ok {
		return Result{}, usage
	}
	l.logger.Error(msg, zap.Error(err))
	return Result{Outcome: OutcomeRuntimeFailed, Err: err}, nil
}

// post sends msg to the controller. A closed port is logged and otherwise
// ignored; there is nobody left to tell.
func (l *Loader) post(ctx context.Context, p port.Port, msg port.Message) {
	if err := p.PostMessage(ctx, msg); err != nil {
		l.logger.Warn("failed to post message",
			zap.String("type", msg.Type),
			zap.Error(err),
		)
	}
}

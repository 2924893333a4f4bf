// Package jsctx is a JavaScript execution context backed by goja.
//
// Scripts see a worker-like global scope: self, devicePixelRatio,
// runOnStartup, projectScriptsStatus and a console routed to the logger.
// The runtime factory and initializer are the script-defined functions
// createRuntime(data) and initRuntime(runtime, data).
package jsctx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"github.com/snowmerak/bootworker/lib/bootstrap"
	"github.com/snowmerak/bootworker/lib/port"
	"github.com/snowmerak/bootworker/lib/script"
)

const (
	globalRunOnStartup     = "runOnStartup"
	globalScriptsStatus    = "projectScriptsStatus"
	globalEventScripts     = "scriptsInEvents"
	globalCreateRuntime    = "createRuntime"
	globalInitRuntime      = "initRuntime"
	globalDevicePixelRatio = "devicePixelRatio"
)

type Context struct {
	mu     sync.Mutex
	vm     *goja.Runtime
	logger *zap.Logger

	env        bootstrap.Environment
	startup    []any
	violation  error
	data       *goja.Object
	dataCtx    context.Context
	dataCancel context.CancelFunc
}

var _ script.Engine = (*Context)(nil)

func New(logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Context{
		vm:     goja.New(),
		logger: logger,
	}
	c.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	_ = c.vm.Set("self", c.vm.GlobalObject())
	_ = c.vm.Set("console", c.console())
	return c
}

func (c *Context) console() *goja.Object {
	console := c.vm.NewObject()
	levels := map[string]func(string, ...zap.Field){
		"log":   c.logger.Info,
		"info":  c.logger.Info,
		"debug": c.logger.Debug,
		"warn":  c.logger.Warn,
		"error": c.logger.Error,
	}
	for name, log := range levels {
		log := log
		_ = console.Set(name, func(call goja.FunctionCall) goja.Value {
			parts := make([]string, len(call.Arguments))
			for i, arg := range call.Arguments {
				parts[i] = arg.String()
			}
			log(strings.Join(parts, " "), zap.String("source", "console"))
			return goja.Undefined()
		})
	}
	return console
}

func (c *Context) Install(env bootstrap.Environment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.env = env
	c.startup = nil
	_ = c.vm.Set(globalDevicePixelRatio, env.DevicePixelRatio)
	_ = c.vm.Set(globalRunOnStartup, c.runOnStartup)
}

func (c *Context) runOnStartup(call goja.FunctionCall) goja.Value {
	arg := call.Argument(0)
	fn, ok := goja.AssertFunction(arg)
	if !ok {
		err := c.env.RunOnStartup(nil)
		if err == nil {
			err = &bootstrap.UsageError{Op: globalRunOnStartup, Err: bootstrap.ErrNotCallable}
		}
		if c.violation == nil {
			c.violation = err
		}
		panic(c.vm.NewTypeError(bootstrap.ErrNotCallable.Error()))
	}

	handler := func(ctx context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, err := c.call(ctx, fn, goja.Undefined())
		return err
	}
	if err := c.env.RunOnStartup(handler); err != nil {
		panic(c.vm.NewGoError(err))
	}
	c.startup = append(c.startup, arg)
	return goja.Undefined()
}

func (c *Context) InstallScriptsStatus(status map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj := c.vm.NewObject()
	for name, ok := range status {
		_ = obj.Set(name, ok)
	}
	_ = c.vm.Set(globalScriptsStatus, obj)
}

// Run compiles and runs src. A runOnStartup call with a non-function makes
// Run return a *bootstrap.UsageError even when the script caught the TypeError.
func (c *Context) Run(ctx context.Context, src script.Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prog, err := goja.Compile(src.Location, src.Code, false)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	err = c.guard(ctx, func() error {
		_, err := c.vm.RunProgram(prog)
		return err
	})
	return c.takeViolation(err)
}

func (c *Context) HasEventScripts() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.vm.Get(globalEventScripts).(*goja.Object)
	if !ok {
		return false
	}
	_, isFunc := goja.AssertFunction(obj)
	return !isFunc
}

func (c *Context) CreateRuntime(ctx context.Context, cmd *bootstrap.InitRuntime) (bootstrap.Runtime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fn, ok := goja.AssertFunction(c.vm.Get(globalCreateRuntime))
	if !ok {
		return nil, fmt.Errorf("%w: %s", script.ErrNoFactory, globalCreateRuntime)
	}

	rt, err := c.call(ctx, fn, goja.Undefined(), c.runtimeData(ctx, cmd))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", globalCreateRuntime, err)
	}
	return rt, nil
}

func (c *Context) InitRuntime(ctx context.Context, rt bootstrap.Runtime, cmd *bootstrap.InitRuntime) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	fn, ok := goja.AssertFunction(c.vm.Get(globalInitRuntime))
	if !ok {
		return fmt.Errorf("%w: %s", script.ErrNoFactory, globalInitRuntime)
	}

	runtime, ok := rt.(goja.Value)
	if !ok {
		runtime = c.vm.ToValue(rt)
	}

	res, err := c.call(ctx, fn, goja.Undefined(), runtime, c.runtimeData(ctx, cmd))
	if err != nil {
		return fmt.Errorf("%s: %w", globalInitRuntime, err)
	}

	if promise, ok := res.Export().(*goja.Promise); ok {
		switch promise.State() {
		case goja.PromiseStateRejected:
			return fmt.Errorf("%s rejected: %s", globalInitRuntime, promise.Result().String())
		case goja.PromiseStatePending:
			c.logger.Warn("initRuntime is still pending after the job queue drained")
		}
	}
	return nil
}

func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.dataCancel != nil {
		c.dataCancel()
	}
	c.vm.Interrupt(errors.New("context closed"))
	return nil
}

// runtimeData builds the object handed to createRuntime and initRuntime. Both
// receive the same object.
func (c *Context) runtimeData(ctx context.Context, cmd *bootstrap.InitRuntime) *goja.Object {
	if c.data != nil {
		return c.data
	}

	c.dataCtx, c.dataCancel = context.WithCancel(context.WithoutCancel(ctx))

	data := c.vm.NewObject()
	_ = data.Set("baseUrl", cmd.BaseURL)
	_ = data.Set("devicePixelRatio", cmd.DevicePixelRatio)
	_ = data.Set("exportType", cmd.ExportType)

	status := c.vm.NewObject()
	for name, ok := range cmd.ProjectScriptsStatus {
		_ = status.Set(name, ok)
	}
	_ = data.Set("projectScriptsStatus", status)
	_ = data.Set("runOnStartupFunctions", c.vm.NewArray(c.startup...))

	messagePort := c.vm.NewObject()
	_ = messagePort.Set("postMessage", func(call goja.FunctionCall) goja.Value {
		var msg port.Message
		if err := c.vm.ExportTo(call.Argument(0), &msg); err != nil || msg.Type == "" {
			panic(c.vm.NewTypeError("postMessage expects {type, message}"))
		}
		if cmd.Port == nil {
			return goja.Undefined()
		}
		if err := cmd.Port.PostMessage(c.dataCtx, msg); err != nil {
			panic(c.vm.NewGoError(err))
		}
		return goja.Undefined()
	})
	_ = data.Set("messagePort", messagePort)

	c.data = data
	return data
}

func (c *Context) call(ctx context.Context, fn goja.Callable, this goja.Value, args ...goja.Value) (goja.Value, error) {
	var res goja.Value
	err := c.guard(ctx, func() error {
		var err error
		res, err = fn(this, args...)
		return err
	})
	if err := c.takeViolation(err); err != nil {
		return nil, err
	}
	return res, nil
}

// guard runs f with ctx cancellation interrupting the VM.
func (c *Context) guard(ctx context.Context, f func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	// The callback may still be pending when f returns, so interrupting and
	// clearing share a lock and a clear only follows an interrupt.
	var (
		mu          sync.Mutex
		finished    bool
		interrupted bool
	)
	stop := context.AfterFunc(ctx, func() {
		mu.Lock()
		defer mu.Unlock()
		if finished {
			return
		}
		interrupted = true
		c.vm.Interrupt(ctx.Err())
	})
	defer func() {
		stop()
		mu.Lock()
		defer mu.Unlock()
		finished = true
		if interrupted {
			c.vm.ClearInterrupt()
		}
	}()

	return f()
}

func (c *Context) takeViolation(err error) error {
	if c.violation != nil {
		v := c.violation
		c.violation = nil
		return v
	}
	return err
}

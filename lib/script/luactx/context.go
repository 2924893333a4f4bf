// Package luactx is a Lua execution context backed by go-lua.
//
// It offers the same globals as the JavaScript context. postMessage takes the
// message type and text as two arguments instead of an object.
package luactx

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Shopify/go-lua"
	"go.uber.org/zap"

	"github.com/snowmerak/bootworker/lib/bootstrap"
	"github.com/snowmerak/bootworker/lib/port"
	"github.com/snowmerak/bootworker/lib/script"
)

const (
	startupKey = "bootworker.startup"
	runtimeKey = "bootworker.runtime"
	dataKey    = "bootworker.data"
)

// Runtime is the handle returned by CreateRuntime. The runtime value itself
// stays in the Lua registry.
type Runtime struct {
	owner *Context
}

type Context struct {
	mu     sync.Mutex
	l      *lua.State
	logger *zap.Logger

	env       bootstrap.Environment
	violation error
	port      port.Port
	portCtx   context.Context
	hasData   bool
}

var _ script.Engine = (*Context)(nil)

func New(logger *zap.Logger) *Context {
	if logger == nil {
		logger = zap.NewNop()
	}

	l := lua.NewState()
	lua.OpenLibraries(l)

	c := &Context{l: l, logger: logger}

	l.NewTable()
	l.SetField(lua.RegistryIndex, startupKey)

	l.PushGlobalTable()
	l.SetGlobal("self")
	l.Register("print", c.print)
	return c
}

func (c *Context) print(l *lua.State) int {
	n := l.Top()
	parts := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		s, _ := lua.ToStringMeta(l, i)
		parts = append(parts, s)
		l.Pop(1)
	}
	c.logger.Info(strings.Join(parts, " "), zap.String("source", "print"))
	return 0
}

func (c *Context) Install(env bootstrap.Environment) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.env = env

	c.l.NewTable()
	c.l.SetField(lua.RegistryIndex, startupKey)

	c.l.PushNumber(env.DevicePixelRatio)
	c.l.SetGlobal("devicePixelRatio")
	c.l.Register("runOnStartup", c.runOnStartup)
}

func (c *Context) runOnStartup(l *lua.State) int {
	if l.TypeOf(1) != lua.TypeFunction {
		err := c.env.RunOnStartup(nil)
		if err == nil {
			err = &bootstrap.UsageError{Op: "runOnStartup", Err: bootstrap.ErrNotCallable}
		}
		if c.violation == nil {
			c.violation = err
		}
		lua.Errorf(l, "%s", bootstrap.ErrNotCallable.Error())
		return 0
	}

	l.Field(lua.RegistryIndex, startupKey)
	index := l.RawLength(-1) + 1
	l.PushValue(1)
	l.RawSetInt(-2, index)
	l.Pop(1)

	handler := func(ctx context.Context) error {
		c.mu.Lock()
		defer c.mu.Unlock()

		top := c.l.Top()
		defer c.l.SetTop(top)

		if err := ctx.Err(); err != nil {
			return err
		}
		c.l.Field(lua.RegistryIndex, startupKey)
		c.l.RawGetInt(-1, index)
		c.l.Remove(-2)
		return c.protectedCall(0, 0)
	}
	if err := c.env.RunOnStartup(handler); err != nil {
		lua.Errorf(l, "%s", err.Error())
	}
	return 0
}

func (c *Context) InstallScriptsStatus(status map[string]bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pushStatus(c.l, status)
	c.l.SetGlobal("projectScriptsStatus")
}

func pushStatus(l *lua.State, status map[string]bool) {
	l.CreateTable(0, len(status))
	for name, ok := range status {
		l.PushBoolean(ok)
		l.SetField(-2, name)
	}
}

// Run loads and runs src. Cancellation is only checked before the chunk
// starts; go-lua has no way to interrupt a running chunk from another
// goroutine.
func (c *Context) Run(ctx context.Context, src script.Source) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	top := c.l.Top()
	defer c.l.SetTop(top)

	if err := lua.LoadBuffer(c.l, src.Code, "@"+src.Location, ""); err != nil {
		return fmt.Errorf("compile: %w", err)
	}
	return c.protectedCall(0, 0)
}

func (c *Context) HasEventScripts() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.l.Global("scriptsInEvents")
	defer c.l.Pop(1)
	return c.l.TypeOf(-1) == lua.TypeTable
}

func (c *Context) CreateRuntime(ctx context.Context, cmd *bootstrap.InitRuntime) (bootstrap.Runtime, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	top := c.l.Top()
	defer c.l.SetTop(top)

	c.l.Global("createRuntime")
	if c.l.TypeOf(-1) != lua.TypeFunction {
		return nil, fmt.Errorf("%w: createRuntime", script.ErrNoFactory)
	}
	c.pushData(ctx, cmd)
	if err := c.protectedCall(1, 1); err != nil {
		return nil, fmt.Errorf("createRuntime: %w", err)
	}
	c.l.SetField(lua.RegistryIndex, runtimeKey)
	return &Runtime{owner: c}, nil
}

func (c *Context) InitRuntime(ctx context.Context, rt bootstrap.Runtime, cmd *bootstrap.InitRuntime) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if r, ok := rt.(*Runtime); !ok || r.owner != c {
		return fmt.Errorf("initRuntime: runtime %T was not created by this context", rt)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	top := c.l.Top()
	defer c.l.SetTop(top)

	c.l.Global("initRuntime")
	if c.l.TypeOf(-1) != lua.TypeFunction {
		return fmt.Errorf("%w: initRuntime", script.ErrNoFactory)
	}
	c.l.Field(lua.RegistryIndex, runtimeKey)
	c.pushData(ctx, cmd)
	if err := c.protectedCall(2, 0); err != nil {
		return fmt.Errorf("initRuntime: %w", err)
	}
	return nil
}

func (c *Context) Close() error {
	return nil
}

// pushData pushes the table handed to createRuntime and initRuntime. Both
// receive the same table.
func (c *Context) pushData(ctx context.Context, cmd *bootstrap.InitRuntime) {
	if c.hasData {
		c.l.Field(lua.RegistryIndex, dataKey)
		return
	}

	c.port = cmd.Port
	c.portCtx = context.WithoutCancel(ctx)

	l := c.l
	l.NewTable()
	l.PushString(cmd.BaseURL)
	l.SetField(-2, "baseUrl")
	l.PushNumber(cmd.DevicePixelRatio)
	l.SetField(-2, "devicePixelRatio")
	l.PushString(cmd.ExportType)
	l.SetField(-2, "exportType")
	pushStatus(l, cmd.ProjectScriptsStatus)
	l.SetField(-2, "projectScriptsStatus")
	l.Field(lua.RegistryIndex, startupKey)
	l.SetField(-2, "runOnStartupFunctions")
	l.PushGoFunction(c.postMessage)
	l.SetField(-2, "postMessage")

	l.PushValue(-1)
	l.SetField(lua.RegistryIndex, dataKey)
	c.hasData = true
}

func (c *Context) postMessage(l *lua.State) int {
	msg := port.Message{
		Type:    lua.CheckString(l, 1),
		Message: lua.OptString(l, 2, ""),
	}
	if c.port == nil {
		return 0
	}
	if err := c.port.PostMessage(c.portCtx, msg); err != nil {
		lua.Errorf(l, "%s", err.Error())
	}
	return 0
}

func (c *Context) protectedCall(args, results int) error {
	err := c.l.ProtectedCall(args, results, 0)
	if c.violation != nil {
		v := c.violation
		c.violation = nil
		return v
	}
	return err
}

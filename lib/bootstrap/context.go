package bootstrap

import (
	"context"
	"fmt"
	"net/url"
	"sync"
)

// Environment is what the Loader installs into an ExecutionContext before the
// first script runs.
type Environment struct {
	BaseURL          string
	DevicePixelRatio float64

	// RunOnStartup appends a handler to the registry of the current attempt.
	// A nil handler is rejected with a *UsageError wrapping ErrNotCallable.
	RunOnStartup func(StartupHandler) error
}

// ExecutionContext is where scripts are loaded and run.
type ExecutionContext interface {
	Install(env Environment)
	InstallScriptsStatus(status map[string]bool)

	// LoadScripts loads and runs locations in order as one batch. If any
	// location fails the whole batch fails.
	LoadScripts(ctx context.Context, locations []string) error

	// HasEventScripts reports whether the loaded scripts defined the object
	// holding code used in events.
	HasEventScripts() bool
}

// Runtime is whatever a RuntimeFactory creates. The Loader does not look at it.
type Runtime any

// RuntimeFactory creates and starts the runtime once all scripts are loaded.
type RuntimeFactory interface {
	CreateRuntime(ctx context.Context, cmd *InitRuntime) (Runtime, error)
	InitRuntime(ctx context.Context, rt Runtime, cmd *InitRuntime) error
}

// BlobRegistry hands out loadable URLs for in-memory scripts.
type BlobRegistry interface {
	CreateObjectURL(b Blob) string
	RevokeObjectURL(u string)
}

// ResolveURL resolves ref against base.
func ResolveURL(base *url.URL, ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", ref, err)
	}
	return base.ResolveReference(u).String(), nil
}

type startupRegistry struct {
	mu       sync.Mutex
	handlers []StartupHandler
}

func (r *startupRegistry) add(h StartupHandler) error {
	if h == nil {
		return &UsageError{Op: "runOnStartup", Err: ErrNotCallable}
	}
	r.mu.Lock()
	r.handlers = append(r.handlers, h)
	r.mu.Unlock()
	return nil
}

func (r *startupRegistry) list() []StartupHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]StartupHandler(nil), r.handlers...)
}

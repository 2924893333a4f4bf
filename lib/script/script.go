// Package script loads scripts into an embedded engine on behalf of the
// bootstrap loader.
package script

import (
	"context"
	"errors"
	"fmt"

	"github.com/snowmerak/bootworker/lib/bootstrap"
)

var (
	ErrUnsupportedScheme   = errors.New("unsupported script scheme")
	ErrFileScriptsDisabled = errors.New("file scripts are disabled")
	ErrScriptTooLarge      = errors.New("script too large")
	ErrBlobNotFound        = errors.New("blob not found")
	ErrNoFactory           = errors.New("runtime factory not defined")
)

// Source is a fetched script.
type Source struct {
	Location string
	Code     string
}

// Engine runs scripts. Implementations are not required to be safe for
// concurrent use; Host serialises access.
type Engine interface {
	Install(env bootstrap.Environment)
	InstallScriptsStatus(status map[string]bool)
	Run(ctx context.Context, src Source) error
	HasEventScripts() bool
	CreateRuntime(ctx context.Context, cmd *bootstrap.InitRuntime) (bootstrap.Runtime, error)
	InitRuntime(ctx context.Context, rt bootstrap.Runtime, cmd *bootstrap.InitRuntime) error
	Close() error
}

// LoadError is the failure of one location in a batch.
type LoadError struct {
	Location string
	Err      error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Location, e.Err)
}

func (e *LoadError) Unwrap() error {
	return e.Err
}

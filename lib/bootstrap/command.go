// Package bootstrap implements the worker side of runtime initialisation.
//
// A controller sends a single init-runtime command. The Loader resolves the
// scripts it names, loads them into an ExecutionContext in two phases and then
// hands over to a RuntimeFactory. Load failures are logged and, where the
// controller needs to tell a user about them, posted as alert-error messages.
// Contract violations by the controller are returned as *UsageError and are
// expected to terminate the worker.
package bootstrap

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/snowmerak/bootworker/lib/port"
)

const (
	CommandInitRuntime     = "init-runtime"
	MessageCreatingRuntime = "creating-runtime"
	MessageAlertError      = "alert-error"

	// ExportPreview is the export type that requires event scripts to be present.
	ExportPreview = "preview"

	// EventScriptsName is the project script that holds code used in events.
	EventScriptsName = "scriptsInEvents.js"
)

// Command is a message from the controller. *InitRuntime is the only command a
// worker acts on; every other tag decodes to UnknownCommand.
type Command interface {
	CommandType() string
}

// UnknownCommand carries the tag of a command the worker does not understand.
type UnknownCommand struct {
	Type string
}

func (c UnknownCommand) CommandType() string { return c.Type }

// StartupHandler is a zero-argument function collected from loaded scripts and
// run later by the runtime.
type StartupHandler func(ctx context.Context) error

// Blob is an in-memory script.
type Blob struct {
	Data []byte `json:"data"`
	Type string `json:"type,omitempty"`
}

// ScriptRef is a dependency script given either as a URL or as a Blob.
type ScriptRef struct {
	URL  string
	Blob *Blob
}

// URLRef returns a reference to a script location.
func URLRef(u string) ScriptRef { return ScriptRef{URL: u} }

// BlobRef returns a reference to an in-memory script.
func BlobRef(b Blob) ScriptRef { return ScriptRef{Blob: &b} }

func (r ScriptRef) MarshalJSON() ([]byte, error) {
	if r.Blob != nil {
		return json.Marshal(r.Blob)
	}
	return json.Marshal(r.URL)
}

func (r *ScriptRef) UnmarshalJSON(data []byte) error {
	var u string
	if err := json.Unmarshal(data, &u); err == nil {
		*r = ScriptRef{URL: u}
		return nil
	}

	var b Blob
	if err := json.Unmarshal(data, &b); err != nil {
		return fmt.Errorf("script reference must be a string or a blob: %w", err)
	}
	*r = ScriptRef{Blob: &b}
	return nil
}

// ProjectScript pairs the name a script was authored under with the location
// it is loaded from.
type ProjectScript struct {
	Name     string
	Location string
}

func (p ProjectScript) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{p.Name, p.Location})
}

func (p *ProjectScript) UnmarshalJSON(data []byte) error {
	var pair []string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("project script must be a [name, location] pair: %w", err)
	}
	if len(pair) != 2 {
		return fmt.Errorf("project script must be a [name, location] pair, got %d elements", len(pair))
	}
	p.Name, p.Location = pair[0], pair[1]
	return nil
}

// InitRuntime is the init-runtime command.
type InitRuntime struct {
	BaseURL                 string          `json:"baseUrl"`
	DevicePixelRatio        float64         `json:"devicePixelRatio"`
	WorkerDependencyScripts []ScriptRef     `json:"workerDependencyScripts"`
	EngineScripts           []string        `json:"engineScripts"`
	ProjectScripts          []ProjectScript `json:"projectScripts,omitempty"`
	ProjectScriptsStatus    map[string]bool `json:"projectScriptsStatus,omitempty"`
	ExportType              string          `json:"exportType,omitempty"`

	// Port is the channel back to the controller. It is attached by the
	// transport after decoding.
	Port port.Port `json:"-"`

	// RunOnStartup is filled by the Loader just before the runtime is created.
	RunOnStartup []StartupHandler `json:"-"`
}

func (*InitRuntime) CommandType() string { return CommandInitRuntime }

// DecodeCommand turns a tagged payload into a Command. Payloads that cannot be
// decoded are reported as usage errors.
func DecodeCommand(tag string, payload []byte, codec port.Codec) (Command, error) {
	switch tag {
	case CommandInitRuntime:
		cmd := new(InitRuntime)
		if err := codec.Unmarshal(payload, cmd); err != nil {
			return nil, &UsageError{Op: "decode " + tag, Err: fmt.Errorf("%w: %v", ErrInvalidCommand, err)}
		}
		return cmd, nil
	default:
		return UnknownCommand{Type: tag}, nil
	}
}

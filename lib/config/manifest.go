package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/snowmerak/bootworker/lib/bootstrap"
)

// Manifest describes the init-runtime command a controller sends.
//
//	base-url = "https://example.com/game/"
//	engine-scripts = ["c3runtime.js"]
//
//	[[dependency]]
//	file = "box2d.js"
//
//	[[project-script]]
//	name = "main.js"
//	location = "scripts/main.js"
type Manifest struct {
	BaseURL              string          `toml:"base-url"`
	DevicePixelRatio     float64         `toml:"device-pixel-ratio"`
	ExportType           string          `toml:"export-type"`
	EngineScripts        []string        `toml:"engine-scripts"`
	Dependencies         []Dependency    `toml:"dependency"`
	ProjectScripts       []ProjectScript `toml:"project-script"`
	ProjectScriptsStatus map[string]bool `toml:"project-scripts-status"`
}

// Dependency is a worker dependency script given by URL or by a local file
// that is sent inline as a blob.
type Dependency struct {
	URL  string `toml:"url"`
	File string `toml:"file"`
	Type string `toml:"type"`
}

type ProjectScript struct {
	Name     string `toml:"name"`
	Location string `toml:"location"`
}

// LoadManifest decodes and validates the manifest at path. Keys it does not
// know are an error.
func LoadManifest(path string) (*Manifest, error) {
	m := &Manifest{DevicePixelRatio: 1}

	meta, err := toml.DecodeFile(path, m)
	if err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown manifest keys: %s", strings.Join(keys, ", "))
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Validate checks the manifest for entries the worker would reject.
func (m *Manifest) Validate() error {
	var errs []error
	if m.BaseURL == "" {
		errs = append(errs, errors.New("base-url is required"))
	}
	if m.DevicePixelRatio <= 0 {
		errs = append(errs, fmt.Errorf("device-pixel-ratio must be positive, got %v", m.DevicePixelRatio))
	}
	for i, d := range m.Dependencies {
		if (d.URL == "") == (d.File == "") {
			errs = append(errs, fmt.Errorf("dependency %d: exactly one of url and file is required", i))
		}
	}
	for i, s := range m.ProjectScripts {
		if s.Name == "" || s.Location == "" {
			errs = append(errs, fmt.Errorf("project-script %d: name and location are required", i))
		}
	}
	return errors.Join(errs...)
}

// Command builds the init-runtime command. File dependencies are read
// relative to dir.
func (m *Manifest) Command(dir string) (*bootstrap.InitRuntime, error) {
	cmd := &bootstrap.InitRuntime{
		BaseURL:              m.BaseURL,
		DevicePixelRatio:     m.DevicePixelRatio,
		EngineScripts:        m.EngineScripts,
		ProjectScriptsStatus: m.ProjectScriptsStatus,
		ExportType:           m.ExportType,
	}

	for _, d := range m.Dependencies {
		if d.URL != "" {
			cmd.WorkerDependencyScripts = append(cmd.WorkerDependencyScripts, bootstrap.URLRef(d.URL))
			continue
		}

		path := d.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(dir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read dependency: %w", err)
		}
		cmd.WorkerDependencyScripts = append(cmd.WorkerDependencyScripts, bootstrap.BlobRef(bootstrap.Blob{
			Data: data,
			Type: d.Type,
		}))
	}

	for _, s := range m.ProjectScripts {
		cmd.ProjectScripts = append(cmd.ProjectScripts, bootstrap.ProjectScript{Name: s.Name, Location: s.Location})
	}
	return cmd, nil
}

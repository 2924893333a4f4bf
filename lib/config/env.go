// Package config loads worker and controller settings from the environment,
// command-line flags and the controller's TOML manifest.
package config

import (
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Engines a worker can run scripts with.
const (
	EngineJS  = "js"
	EngineLua = "lua"
)

// Worker holds worker process configuration.
type Worker struct {
	Engine           string        `env:"BOOTWORKER_ENGINE"             envDefault:"js"`
	Codec            string        `env:"BOOTWORKER_CODEC"              envDefault:"json"`
	Socket           string        `env:"BOOTWORKER_SOCKET"`
	LogLevel         string        `env:"BOOTWORKER_LOG_LEVEL"          envDefault:"info"`
	LogFormat        string        `env:"BOOTWORKER_LOG_FORMAT"         envDefault:"json"`
	FetchTimeout     time.Duration `env:"BOOTWORKER_FETCH_TIMEOUT"      envDefault:"30s"`
	MaxScriptBytes   int64         `env:"BOOTWORKER_MAX_SCRIPT_BYTES"   envDefault:"16777216"`
	AllowFileScripts bool          `env:"BOOTWORKER_ALLOW_FILE_SCRIPTS"`
	BlobOrigin       string        `env:"BOOTWORKER_BLOB_ORIGIN"        envDefault:"worker"`
	MaxMessageBytes  int           `env:"BOOTWORKER_MAX_MESSAGE_BYTES"`
}

// ParseWorker reads the environment, then lets flags in args override it.
func ParseWorker(fs *flag.FlagSet, args []string) (Worker, error) {
	var cfg Worker
	if err := env.Parse(&cfg); err != nil {
		return Worker{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.Engine, "engine", cfg.Engine, "script engine (js or lua)")
	fs.StringVar(&cfg.Codec, "codec", cfg.Codec, "payload codec (json or protobuf)")
	fs.StringVar(&cfg.Socket, "socket", cfg.Socket, "unix socket to dial instead of using stdio")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json or console)")
	fs.DurationVar(&cfg.FetchTimeout, "fetch-timeout", cfg.FetchTimeout, "timeout for fetching one script")
	fs.Int64Var(&cfg.MaxScriptBytes, "max-script-bytes", cfg.MaxScriptBytes, "largest script the worker will load")
	fs.BoolVar(&cfg.AllowFileScripts, "allow-file-scripts", cfg.AllowFileScripts, "allow file: script locations")
	fs.StringVar(&cfg.BlobOrigin, "blob-origin", cfg.BlobOrigin, "origin used in blob: URLs")
	fs.IntVar(&cfg.MaxMessageBytes, "max-message-bytes", cfg.MaxMessageBytes, "largest message accepted from the controller")
	if err := fs.Parse(args); err != nil {
		return Worker{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Worker{}, err
	}
	return cfg, nil
}

// Validate checks values the flag and env parsers cannot.
func (c Worker) Validate() error {
	switch c.Engine {
	case EngineJS, EngineLua:
	default:
		return fmt.Errorf("unknown engine %q", c.Engine)
	}
	if c.FetchTimeout < 0 {
		return fmt.Errorf("fetch timeout must not be negative")
	}
	if c.MaxScriptBytes < 0 {
		return fmt.Errorf("max script bytes must not be negative")
	}
	return nil
}

// Controller holds controller process configuration.
type Controller struct {
	WorkerPath   string        `env:"BOOTCTL_WORKER_PATH"`
	WorkerArgs   []string      `env:"BOOTCTL_WORKER_ARGS"   envSeparator:" "`
	Manifest     string        `env:"BOOTCTL_MANIFEST"`
	Codec        string        `env:"BOOTCTL_CODEC"         envDefault:"json"`
	Socket       string        `env:"BOOTCTL_SOCKET"`
	LogLevel     string        `env:"BOOTCTL_LOG_LEVEL"     envDefault:"info"`
	LogFormat    string        `env:"BOOTCTL_LOG_FORMAT"    envDefault:"console"`
	ReadyTimeout time.Duration `env:"BOOTCTL_READY_TIMEOUT" envDefault:"5s"`
}

// ParseController reads the environment, then lets flags in args override it.
// Arguments after the flags are passed on to the worker.
func ParseController(fs *flag.FlagSet, args []string) (Controller, error) {
	var cfg Controller
	if err := env.Parse(&cfg); err != nil {
		return Controller{}, fmt.Errorf("parse env: %w", err)
	}

	fs.StringVar(&cfg.WorkerPath, "worker", cfg.WorkerPath, "path to the worker binary")
	fs.StringVar(&cfg.Manifest, "manifest", cfg.Manifest, "path to the init-runtime manifest")
	fs.StringVar(&cfg.Codec, "codec", cfg.Codec, "payload codec (json or protobuf)")
	fs.StringVar(&cfg.Socket, "socket", cfg.Socket, "unix socket to listen on instead of using stdio")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (json or console)")
	fs.DurationVar(&cfg.ReadyTimeout, "ready-timeout", cfg.ReadyTimeout, "how long to wait for the worker's ready signal")
	if err := fs.Parse(args); err != nil {
		return Controller{}, err
	}
	if rest := fs.Args(); len(rest) > 0 {
		cfg.WorkerArgs = rest
	}

	if cfg.WorkerPath == "" {
		return Controller{}, fmt.Errorf("worker path is required")
	}
	if cfg.Manifest == "" {
		return Controller{}, fmt.Errorf("manifest path is required")
	}
	return cfg, nil
}

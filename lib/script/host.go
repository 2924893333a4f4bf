package script

import (
	"context"
	"net/url"
	"sync"

	"go.uber.org/zap"

	"github.com/snowmerak/bootworker/lib/bootstrap"
)

// SourceFetcher reads a script location.
type SourceFetcher interface {
	Fetch(ctx context.Context, base *url.URL, location string) (Source, error)
}

// Host adapts an Engine to the bootstrap loader. It is both the loader's
// ExecutionContext and its RuntimeFactory.
type Host struct {
	engine  Engine
	fetcher SourceFetcher
	logger  *zap.Logger

	mu   sync.Mutex
	base *url.URL
}

var (
	_ bootstrap.ExecutionContext = (*Host)(nil)
	_ bootstrap.RuntimeFactory   = (*Host)(nil)
)

func NewHost(engine Engine, fetcher SourceFetcher, logger *zap.Logger) *Host {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Host{
		engine:  engine,
		fetcher: fetcher,
		logger:  logger,
	}
}

func (h *Host) Install(env bootstrap.Environment) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if base, err := url.Parse(env.BaseURL); err == nil {
		h.base = base
	}
	h.engine.Install(env)
}

func (h *Host) InstallScriptsStatus(status map[string]bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.engine.InstallScriptsStatus(status)
}

// LoadScripts fetches every location before running any of them, so a batch
// with an unreachable script runs nothing. Scripts then run in order and the
// first failure stops the batch.
func (h *Host) LoadScripts(ctx context.Context, locations []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	sources := make([]Source, 0, len(locations))
	for _, location := range locations {
		src, err := h.fetcher.Fetch(ctx, h.base, location)
		if err != nil {
			return &LoadError{Location: location, Err: err}
		}
		sources = append(sources, src)
	}

	for i, src := range sources {
		if err := h.engine.Run(ctx, src); err != nil {
			return &LoadError{Location: locations[i], Err: err}
		}
		h.logger.Debug("script loaded", zap.String("location", src.Location))
	}
	return nil
}

func (h *Host) HasEventScripts() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine.HasEventScripts()
}

func (h *Host) CreateRuntime(ctx context.Context, cmd *bootstrap.InitRuntime) (bootstrap.Runtime, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine.CreateRuntime(ctx, cmd)
}

func (h *Host) InitRuntime(ctx context.Context, rt bootstrap.Runtime, cmd *bootstrap.InitRuntime) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine.InitRuntime(ctx, rt, cmd)
}

func (h *Host) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine.Close()
}

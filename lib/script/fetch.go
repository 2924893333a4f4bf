package script

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/snowmerak/bootworker/lib/blob"
)

const (
	DefaultFetchTimeout = 30 * time.Second
	DefaultMaxBytes     = 16 * 1024 * 1024
)

// FetcherConfig configures a Fetcher. Zero values select the defaults.
type FetcherConfig struct {
	Timeout    time.Duration
	MaxBytes   int64
	AllowFiles bool
	Client     *http.Client
	Blobs      *blob.Store
}

// Fetcher reads script sources from http(s), blob and, when allowed, file URLs.
type Fetcher struct {
	timeout    time.Duration
	maxBytes   int64
	allowFiles bool
	client     *http.Client
	blobs      *blob.Store
}

func NewFetcher(cfg FetcherConfig) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.Client == nil {
		cfg.Client = http.DefaultClient
	}
	return &Fetcher{
		timeout:    cfg.Timeout,
		maxBytes:   cfg.MaxBytes,
		allowFiles: cfg.AllowFiles,
		client:     cfg.Client,
		blobs:      cfg.Blobs,
	}
}

// Fetch resolves location against base, which may be nil, and reads it.
func (f *Fetcher) Fetch(ctx context.Context, base *url.URL, location string) (Source, error) {
	if blob.IsObjectURL(location) {
		return f.fetchBlob(location)
	}

	u, err := url.Parse(location)
	if err != nil {
		return Source{}, err
	}
	if base != nil && !u.IsAbs() {
		u = base.ResolveReference(u)
	}

	switch u.Scheme {
	case "http", "https":
		return f.fetchHTTP(ctx, u)
	case "file":
		return f.fetchFile(u)
	default:
		return Source{}, fmt.Errorf("%w %q", ErrUnsupportedScheme, u.Scheme)
	}
}

func (f *Fetcher) fetchBlob(location string) (Source, error) {
	if f.blobs == nil {
		return Source{}, ErrBlobNotFound
	}
	b, ok := f.blobs.Lookup(location)
	if !ok {
		return Source{}, ErrBlobNotFound
	}
	if int64(len(b.Data)) > f.maxBytes {
		return Source{}, ErrScriptTooLarge
	}
	return Source{Location: location, Code: string(b.Data)}, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, u *url.URL) (Source, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Source{}, err
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return Source{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Source{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	code, err := f.readAll(resp.Body)
	if err != nil {
		return Source{}, err
	}
	return Source{Location: u.String(), Code: code}, nil
}

func (f *Fetcher) fetchFile(u *url.URL) (Source, error) {
	if !f.allowFiles {
		return Source{}, ErrFileScriptsDisabled
	}

	file, err := os.Open(u.Path)
	if err != nil {
		return Source{}, err
	}
	defer file.Close()

	code, err := f.readAll(file)
	if err != nil {
		return Source{}, err
	}
	return Source{Location: u.String(), Code: code}, nil
}

func (f *Fetcher) readAll(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, f.maxBytes+1))
	if err != nil {
		return "", err
	}
	if int64(len(data)) > f.maxBytes {
		return "", ErrScriptTooLarge
	}
	return string(data), nil
}

package script_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snowmerak/bootworker/lib/blob"
	"github.com/snowmerak/bootworker/lib/bootstrap"
	"github.com/snowmerak/bootworker/lib/script"
)

func newScriptServer(t *testing.T, files map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code, ok := files[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/javascript")
		_, _ = w.Write([]byte(code))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetcher_HTTP(t *testing.T) {
	srv := newScriptServer(t, map[string]string{"/game/engine.js": "var engine = true;"})
	base, err := url.Parse(srv.URL + "/game/")
	require.NoError(t, err)

	f := script.NewFetcher(script.FetcherConfig{})

	src, err := f.Fetch(context.Background(), base, "engine.js")
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/game/engine.js", src.Location)
	assert.Equal(t, "var engine = true;", src.Code)

	_, err = f.Fetch(context.Background(), base, "missing.js")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestFetcher_SizeLimit(t *testing.T) {
	srv := newScriptServer(t, map[string]string{"/big.js": strings.Repeat("x", 64)})

	f := script.NewFetcher(script.FetcherConfig{MaxBytes: 32})
	_, err := f.Fetch(context.Background(), nil, srv.URL+"/big.js")
	assert.ErrorIs(t, err, script.ErrScriptTooLarge)
}

func TestFetcher_Blob(t *testing.T) {
	store := blob.NewStore("test")
	u := store.CreateObjectURL(bootstrap.Blob{Data: []byte("var dep = 1;")})

	f := script.NewFetcher(script.FetcherConfig{Blobs: store})
	base, _ := url.Parse("https://example.com/")

	src, err := f.Fetch(context.Background(), base, u)
	require.NoError(t, err)
	assert.Equal(t, u, src.Location)
	assert.Equal(t, "var dep = 1;", src.Code)

	store.RevokeObjectURL(u)
	_, err = f.Fetch(context.Background(), base, u)
	assert.ErrorIs(t, err, script.ErrBlobNotFound)
}

func TestFetcher_File(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "local.js")
	require.NoError(t, os.WriteFile(path, []byte("var local = 1;"), 0o600))
	location := (&url.URL{Scheme: "file", Path: path}).String()

	denied := script.NewFetcher(script.FetcherConfig{})
	_, err := denied.Fetch(context.Background(), nil, location)
	assert.ErrorIs(t, err, script.ErrFileScriptsDisabled)

	allowed := script.NewFetcher(script.FetcherConfig{AllowFiles: true})
	src, err := allowed.Fetch(context.Background(), nil, location)
	require.NoError(t, err)
	assert.Equal(t, "var local = 1;", src.Code)
}

func TestFetcher_UnsupportedScheme(t *testing.T) {
	f := script.NewFetcher(script.FetcherConfig{})

	for _, location := range []string{"ftp://example.com/a.js", "data:text/javascript,1", "relative.js"} {
		_, err := f.Fetch(context.Background(), nil, location)
		assert.ErrorIs(t, err, script.ErrUnsupportedScheme, location)
	}
}

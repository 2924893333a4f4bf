// Package blob keeps in-memory scripts reachable through blob: URLs.
package blob

import (
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/snowmerak/bootworker/lib/bootstrap"
)

const Scheme = "blob"

// DefaultOrigin is used when a Store is created without an origin.
const DefaultOrigin = "worker"

// Store maps object URLs to blobs. The zero value is not usable; use NewStore.
type Store struct {
	origin string

	mu    sync.RWMutex
	blobs map[string]bootstrap.Blob
}

func NewStore(origin string) *Store {
	origin = strings.TrimSuffix(origin, "/")
	if origin == "" {
		origin = DefaultOrigin
	}
	return &Store{
		origin: origin,
		blobs:  make(map[string]bootstrap.Blob),
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// CreateObjectURL registers b and returns a URL of the form blob:<origin>/<id>.
func (s *Store) CreateObjectURL(b bootstrap.Blob) string {
	u := Scheme + ":" + s.origin + "/" + newID()

	s.mu.Lock()
	s.blobs[u] = b
	s.mu.Unlock()
	return u
}

// RevokeObjectURL forgets u. Revoking an unknown URL is a no-op.
func (s *Store) RevokeObjectURL(u string) {
	s.mu.Lock()
	delete(s.blobs, u)
	s.mu.Unlock()
}

// Lookup returns the blob registered under u.
func (s *Store) Lookup(u string) (bootstrap.Blob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.blobs[u]
	return b, ok
}

// Len returns the number of live object URLs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blobs)
}

// IsObjectURL reports whether u uses the blob scheme.
func IsObjectURL(u string) bool {
	return strings.HasPrefix(u, Scheme+":")
}

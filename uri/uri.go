// Package uri decodes the kv:// dataset locator used to address a pool and
// container in the KVStore backend.
package uri

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrInvalidURI is returned when a locator does not match kv://<pool>/<container>.
var ErrInvalidURI = errors.New("invalid kv uri")

const scheme = "kv://"

// Parsed holds the two opaque, driver-level labels decoded from a locator.
type Parsed struct {
	Pool      string
	Container string
}

// Parse decodes "kv://<pool>/<container>" into its pool and container
// labels. <pool> must not contain a "/"; everything after the first "/"
// following the pool becomes the container label verbatim (container labels
// may themselves contain "/").
func Parse(s string) (Parsed, error) {
	if !strings.HasPrefix(s, scheme) {
		return Parsed{}, errors.Wrapf(ErrInvalidURI, "missing %q prefix in %q", scheme, s)
	}
	rest := s[len(scheme):]
	idx := strings.IndexByte(rest, '/')
	if idx < 0 {
		return Parsed{}, errors.Wrapf(ErrInvalidURI, "missing container in %q", s)
	}
	pool := rest[:idx]
	container := rest[idx+1:]
	if pool == "" {
		return Parsed{}, errors.Wrapf(ErrInvalidURI, "empty pool label in %q", s)
	}
	if container == "" {
		return Parsed{}, errors.Wrapf(ErrInvalidURI, "empty container label in %q", s)
	}
	return Parsed{Pool: pool, Container: container}, nil
}

// String reconstitutes the canonical kv:// locator for the parsed labels.
func (p Parsed) String() string {
	return scheme + p.Pool + "/" + p.Container
}

//go:build !((linux || darwin || freebsd) && cgo)

package plugins

import (
	"errors"
	"fmt"
)

// OpenShared is unavailable on this platform.
func OpenShared(path string) (Library, error) {
	return nil, fmt.Errorf("failed to open %s: %w", path, errors.ErrUnsupported)
}

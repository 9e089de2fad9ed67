//go:build (linux || darwin || freebsd) && cgo

package plugins

import (
	"fmt"
	"plugin"
)

type sharedLibrary struct {
	path string
	p    *plugin.Plugin
}

// OpenShared opens a Go shared object built with -buildmode=plugin.
func OpenShared(path string) (Library, error) {
	p, err := plugin.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	return &sharedLibrary{path: path, p: p}, nil
}

func (l *sharedLibrary) Lookup(symbol string) (any, error) {
	sym, err := l.p.Lookup(symbol)
	if err != nil {
		return nil, err
	}
	return sym, nil
}

// Close is a no-op: the Go runtime cannot unload shared objects.
func (l *sharedLibrary) Close() error { return nil }

package plugins

import (
	"errors"
	"fmt"
	"sync"
)

// Symbols resolved from a plugin library.
const (
	SymbolPluginDescriptor = "PluginDescriptor"
	SymbolUIDescriptor     = "UIDescriptor"
)

var (
	// ErrSymbolNotFound is returned when a library lacks an entry symbol.
	ErrSymbolNotFound = errors.New("symbol not found")
	// ErrEntryNotFound is returned when no entry in a library has the wanted URI.
	ErrEntryNotFound = errors.New("plugin entry not found")
	// ErrLibraryNotFound is returned by Registry for unknown paths.
	ErrLibraryNotFound = errors.New("library not found")
)

// DescriptorFunc enumerates a library's plugin entries. It returns nil past
// the last index.
type DescriptorFunc func(index uint32) Entry

// UIDescriptorFunc enumerates a library's control surface entries.
type UIDescriptorFunc func(index uint32) UIEntry

// Library is an opened code module resolving symbols by name.
type Library interface {
	Lookup(symbol string) (any, error)
	Close() error
}

// Opener opens libraries by path.
type Opener interface {
	Open(path string) (Library, error)
}

// OpenerFunc adapts a function into an Opener.
type OpenerFunc func(path string) (Library, error)

func (f OpenerFunc) Open(path string) (Library, error) { return f(path) }

// FindEntry walks the library's plugin entries until one matches uri.
func FindEntry(lib Library, uri string) (Entry, error) {
	sym, err := lib.Lookup(SymbolPluginDescriptor)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSymbolNotFound, SymbolPluginDescriptor, err)
	}
	var fn DescriptorFunc
	switch f := sym.(type) {
	case DescriptorFunc:
		fn = f
	case func(uint32) Entry:
		fn = f
	case *func(uint32) Entry:
		fn = *f
	default:
		return nil, fmt.Errorf("%w: %s has type %T", ErrSymbolNotFound, SymbolPluginDescriptor, sym)
	}
	for i := uint32(0); ; i++ {
		e := fn(i)
		if e == nil {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, uri)
		}
		if e.URI() == uri {
			return e, nil
		}
	}
}

// FindUIEntry walks the library's control surface entries until one matches uri.
func FindUIEntry(lib Library, uri string) (UIEntry, error) {
	sym, err := lib.Lookup(SymbolUIDescriptor)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrSymbolNotFound, SymbolUIDescriptor, err)
	}
	var fn UIDescriptorFunc
	switch f := sym.(type) {
	case UIDescriptorFunc:
		fn = f
	case func(uint32) UIEntry:
		fn = f
	case *func(uint32) UIEntry:
		fn = *f
	default:
		return nil, fmt.Errorf("%w: %s has type %T", ErrSymbolNotFound, SymbolUIDescriptor, sym)
	}
	for i := uint32(0); ; i++ {
		e := fn(i)
		if e == nil {
			return nil, fmt.Errorf("%w: %s", ErrEntryNotFound, uri)
		}
		if e.URI() == uri {
			return e, nil
		}
	}
}

// Symbols is a Library over an in-memory symbol table.
type Symbols map[string]any

func (s Symbols) Lookup(symbol string) (any, error) {
	v, ok := s[symbol]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSymbolNotFound, symbol)
	}
	return v, nil
}

func (s Symbols) Close() error { return nil }

// Registry is an Opener for libraries linked into the host binary.
type Registry struct {
	mu   sync.RWMutex
	libs map[string]Symbols
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{libs: make(map[string]Symbols)}
}

// Register makes symbols available under path.
func (r *Registry) Register(path string, symbols Symbols) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.libs[path] = symbols
}

// Open returns the symbols registered under path.
func (r *Registry) Open(path string) (Library, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	lib, ok := r.libs[path]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLibraryNotFound, path)
	}
	return lib, nil
}

// Paths lists the registered library paths.
func (r *Registry) Paths() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.libs))
	for p := range r.libs {
		out = append(out, p)
	}
	return out
}

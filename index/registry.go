package index

import (
	"sort"
	"sync"

	"github.com/infodancer/maildirsync/errors"
)

// Factory opens an index stored at path.
type Factory func(path string) (Index, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds an index factory to the registry.
// It panics if called with an empty name or nil factory,
// or if the name is already registered.
func Register(name string, factory Factory) {
	if name == "" {
		panic("index: Register called with empty name")
	}
	if factory == nil {
		panic("index: Register called with nil factory")
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if _, exists := registry[name]; exists {
		panic("index: Register called twice for " + name)
	}
	registry[name] = factory
}

// Open opens an index using the factory registered for typ.
func Open(typ, path string) (Index, error) {
	registryMu.RLock()
	factory, ok := registry[typ]
	registryMu.RUnlock()

	if !ok {
		return nil, errors.ErrIndexNotRegistered
	}
	return factory(path)
}

// RegisteredTypes returns a sorted list of registered index type names.
func RegisteredTypes() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	types := make([]string, 0, len(registry))
	for name := range registry {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

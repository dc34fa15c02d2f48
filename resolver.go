package onion

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Resolver turns a fully qualified identifier into a live Layer.
type Resolver interface {
	Resolve(id string) (Layer, error)
}

// ResolverFunc adapts a function to the Resolver interface.
type ResolverFunc func(id string) (Layer, error)

// Resolve calls f(id).
func (f ResolverFunc) Resolve(id string) (Layer, error) {
	return f(id)
}

// Factory constructs a Layer. It is called on every Resolve of its id.
type Factory func() (Layer, error)

// Registry is a Resolver backed by a map of identifiers to factories.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

var _ Resolver = (*Registry)(nil)

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under id. Registering the same id twice fails with
// ErrDuplicateHandler.
func (reg *Registry) Register(id string, factory Factory) error {
	if id == "" || factory == nil {
		return fmt.Errorf("cannot register middleware %q: %w", id, ErrInvalidDeclaration)
	}

	reg.mu.Lock()
	defer reg.mu.Unlock()

	if _, ok := reg.factories[id]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicateHandler, id)
	}
	reg.factories[id] = factory
	return nil
}

// RegisterLayer registers a single shared Layer instance under id.
func (reg *Registry) RegisterLayer(id string, layer Layer) error {
	if layer == nil {
		return fmt.Errorf("cannot register middleware %q: %w", id, ErrInvalidDeclaration)
	}
	return reg.Register(id, func() (Layer, error) { return layer, nil })
}

// MustRegister is like Register but panics on error.
func (reg *Registry) MustRegister(id string, factory Factory) {
	if err := reg.Register(id, factory); err != nil {
		panic(err)
	}
}

// Resolve implements Resolver. Errors are always *ResolutionError.
func (reg *Registry) Resolve(id string) (Layer, error) {
	reg.mu.RLock()
	factory, ok := reg.factories[id]
	reg.mu.RUnlock()

	if !ok {
		return nil, &ResolutionError{ID: id, Err: ErrUnknownHandler}
	}

	layer, err := factory()
	if err != nil {
		return nil, &ResolutionError{ID: id, Err: err}
	}
	if isNil(layer) {
		return nil, &ResolutionError{ID: id, Err: errors.New("factory returned no middleware")}
	}
	return layer, nil
}

// IDs returns the registered identifiers in sorted order.
func (reg *Registry) IDs() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()

	ids := make([]string, 0, len(reg.factories))
	for id := range reg.factories {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

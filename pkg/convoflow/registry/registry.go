package registry

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	// ErrDuplicate is returned when a name is registered twice.
	ErrDuplicate = errors.New("registry: duplicate name")

	// ErrUnknown is returned when a name has not been registered.
	ErrUnknown = errors.New("registry: unknown name")
)

// Info describes a registered entry.
type Info struct {
	Name        string
	Description string
}

type entry[V any] struct {
	info  Info
	value V
}

// Registry maps workflow names to values. It is built once at process
// start and handed to whatever needs to resolve a workflow by name.
// It uses sync.RWMutex since lookups vastly outnumber registrations.
type Registry[V any] struct {
	mu      sync.RWMutex
	entries map[string]entry[V]
}

// New creates a new empty registry.
func New[V any]() *Registry[V] {
	return &Registry[V]{
		entries: make(map[string]entry[V]),
	}
}

// Register adds a value under name. Names must be non-empty and unique.
func (r *Registry[V]) Register(name, description string, value V) error {
	if name == "" {
		return errors.New("registry: empty name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, name)
	}
	r.entries[name] = entry[V]{info: Info{Name: name, Description: description}, value: value}
	return nil
}

// Get returns the value for name and whether it exists.
func (r *Registry[V]) Get(name string) (V, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e.value, ok
}

// Lookup is Get with an ErrUnknown error for missing names.
func (r *Registry[V]) Lookup(name string) (V, error) {
	v, ok := r.Get(name)
	if !ok {
		return v, fmt.Errorf("%w: %s", ErrUnknown, name)
	}
	return v, nil
}

// MustGet returns the value for name, panicking if not found.
func (r *Registry[V]) MustGet(name string) V {
	v, ok := r.Get(name)
	if !ok {
		panic("registry: name not found: " + name)
	}
	return v
}

// Has returns true if name is registered.
func (r *Registry[V]) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the registered names in sorted order.
func (r *Registry[V]) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	r.mu.RUnlock()
	slices.Sort(names)
	return names
}

// List returns entry descriptions sorted by name.
func (r *Registry[V]) List() []Info {
	r.mu.RLock()
	infos := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		infos = append(infos, e.info)
	}
	r.mu.RUnlock()
	slices.SortFunc(infos, func(a, b Info) int { return cmp.Compare(a.Name, b.Name) })
	return infos
}

// Len returns the number of entries in the registry.
func (r *Registry[V]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Range calls fn for each entry in name order until fn returns false.
// It iterates over a snapshot, so fn may call Register.
func (r *Registry[V]) Range(fn func(name string, value V) bool) {
	r.mu.RLock()
	snapshot := make([]entry[V], 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.RUnlock()

	slices.SortFunc(snapshot, func(a, b entry[V]) int { return cmp.Compare(a.info.Name, b.info.Name) })
	for _, e := range snapshot {
		if !fn(e.info.Name, e.value) {
			return
		}
	}
}

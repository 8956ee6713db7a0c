// Package registry maps "type" tags to record constructors.
//
// A Registry is an explicit object handed to every component that resolves
// type tags, so independent sessions in one process never share mutable
// registration state.
package registry

import (
	"errors"
	"slices"
	"sync"

	"github.com/roach88/blocksync/internal/ir"
)

var (
	// ErrEmptyName is returned when registering an empty type tag.
	ErrEmptyName = errors.New("registry: empty type name")

	// ErrNilConstructor is returned when registering a nil constructor.
	ErrNilConstructor = errors.New("registry: nil constructor")

	// ErrConflictingRegistration is returned when a tag is already registered.
	ErrConflictingRegistration = errors.New("registry: type already registered")
)

// Constructor builds the initial properties of a record from the properties
// given alongside its type tag. It must be deterministic: every participant
// runs it for the same input and must arrive at the same spec.
type Constructor func(props ir.Object) (ir.Object, error)

// ObjectType is registered by New and accepts any properties as given.
const ObjectType = "Object"

// Passthrough is a Constructor that copies props unchanged.
func Passthrough(props ir.Object) (ir.Object, error) { return props.Clone(), nil }

// Registry resolves type tags. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	types map[string]Constructor
}

// New returns a Registry with ObjectType registered.
func New() *Registry {
	r := &Registry{types: make(map[string]Constructor)}
	r.types[ObjectType] = Passthrough
	return r
}

// Register associates tag with ctor.
func (r *Registry) Register(tag string, ctor Constructor) error {
	if tag == "" {
		return ErrEmptyName
	}
	if ctor == nil {
		return ErrNilConstructor
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.types[tag]; ok {
		return ErrConflictingRegistration
	}
	r.types[tag] = ctor
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(tag string, ctor Constructor) {
	if err := r.Register(tag, ctor); err != nil {
		panic(err)
	}
}

// Lookup reports whether tag is registered.
func (r *Registry) Lookup(tag string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.types[tag]
	return ok
}

// Types returns the registered tags in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for tag := range r.types {
		out = append(out, tag)
	}
	slices.Sort(out)
	return out
}

// Build runs the constructor registered for tag. It fails with UnknownType
// for an unregistered tag.
func (r *Registry) Build(tag string, props ir.Object) (ir.Object, error) {
	r.mu.RLock()
	ctor, ok := r.types[tag]
	r.mu.RUnlock()
	if !ok {
		return nil, ir.NewUnknownType(tag)
	}
	if props == nil {
		props = ir.Object{}
	}
	out, err := ctor(props)
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = ir.Object{}
	}
	return out, nil
}

// Create expands a spec. Without a type tag it returns a copy of the plain
// properties; with one it returns the tag and the registered constructor's
// result for the remaining properties.
func (r *Registry) Create(spec ir.Object) (string, ir.Object, error) {
	tag, props := ir.SplitType(spec)
	if _, tagged := spec[ir.TypeKey]; !tagged {
		return "", props, nil
	}
	if tag == "" {
		return "", nil, ir.NewUnknownType(tag)
	}
	out, err := r.Build(tag, props)
	if err != nil {
		return "", nil, err
	}
	return tag, out, nil
}

// Validate walks spec and reports the first type tag that does not resolve,
// naming the path where it occurs.
func (r *Registry) Validate(spec ir.Object) error {
	return r.validate("/", spec)
}

func (r *Registry) validate(path string, spec ir.Object) error {
	for _, key := range spec.SortedKeys() {
		obj, ok := spec[key].(ir.Object)
		if !ok {
			continue
		}
		if _, tagged := obj[ir.TypeKey]; !tagged {
			continue
		}
		tag, props := ir.SplitType(obj)
		child := path + key + "/"
		if !r.Lookup(tag) {
			e := ir.NewUnknownType(tag)
			e.Node = child
			return e
		}
		if err := r.validate(child, props); err != nil {
			return err
		}
	}
	return nil
}

package handle

import (
	"fmt"
	"math/rand/v2"
	"strconv"
	"sync"

	"github.com/fxnlabs/weft/pkg/errdefs"
)

// Handle is an opaque 64-bit identifier of a registry-owned resource.
type Handle uint64

func (h Handle) String() string {
	return "0x" + strconv.FormatUint(uint64(h), 16)
}

// Source draws handle candidates.
type Source func() uint64

// Registry is a concurrency-safe keyed store that hands out random handles.
// The zero value is not usable; create one with NewRegistry.
type Registry[T any] struct {
	mu      sync.RWMutex
	items   map[Handle]T
	kind    string
	source  Source
	onCount func(int)
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	source  Source
	onCount func(int)
}

// WithSource replaces the uniform random handle source.
func WithSource(src Source) Option {
	return func(o *options) { o.source = src }
}

// WithCountHook is called with the number of live entries after every mutation.
func WithCountHook(fn func(int)) Option {
	return func(o *options) { o.onCount = fn }
}

// NewRegistry creates an empty registry. kind names the resource in errors.
func NewRegistry[T any](kind string, opts ...Option) *Registry[T] {
	o := options{source: rand.Uint64}
	for _, opt := range opts {
		opt(&o)
	}
	return &Registry[T]{
		items:   make(map[Handle]T),
		kind:    kind,
		source:  o.source,
		onCount: o.onCount,
	}
}

// Allocate stores v under a fresh, non-zero handle. Drawing, the collision
// check and the insert happen under one lock, so concurrent callers never
// share a handle.
func (r *Registry[T]) Allocate(v T) Handle {
	r.mu.Lock()
	defer r.mu.Unlock()

	h := Handle(r.source())
	for {
		if _, taken := r.items[h]; !taken && h != 0 {
			break
		}
		h = Handle(r.source())
	}
	r.items[h] = v
	r.notify()
	return h
}

// Lookup returns the resource stored under h.
func (r *Registry[T]) Lookup(h Handle) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	v, ok := r.items[h]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s %s: %w", r.kind, h, errdefs.ErrNotFound)
	}
	return v, nil
}

// Remove erases h and returns the resource it held.
func (r *Registry[T]) Remove(h Handle) (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.items[h]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%s %s: %w", r.kind, h, errdefs.ErrNotFound)
	}
	delete(r.items, h)
	r.notify()
	return v, nil
}

// Len returns the number of live entries.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

// Range calls fn for every live entry until fn returns false. The registry is
// read-locked for the duration, so fn must not call back into it.
func (r *Registry[T]) Range(fn func(Handle, T) bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for h, v := range r.items {
		if !fn(h, v) {
			return
		}
	}
}

func (r *Registry[T]) notify() {
	if r.onCount != nil {
		r.onCount(len(r.items))
	}
}

// internal/hook/hook.go
// Package hook provides swappable entry points and a registry that installs
// wrappers around them and restores the originals symmetrically.
//
// A slot keeps its wrappers as a stack of layers over a base value. Each
// wrapper reaches the value beneath it through a next function resolved at
// call time, so a layer can be removed from the middle of the stack and the
// layers above it forward past the gap. Once every layer is removed the slot
// holds its base value again, whatever order the removals happened in.
package hook

import (
	"errors"
	"fmt"
	"sync"
)

// ErrAlreadyInstalled is returned when a registry wraps the same slot twice
var ErrAlreadyInstalled = errors.New("hook: slot already installed")

// Var is a swappable entry point. Callers Load the current value on every
// call so that a wrapper installed later takes effect immediately.
type Var[T any] struct {
	mu     sync.RWMutex
	base   T
	layers []*layer[T]
}

type layer[T any] struct {
	value T
}

// NewVar creates a slot holding v
func NewVar[T any](v T) *Var[T] {
	return &Var[T]{base: v}
}

// Load returns the outermost installed wrapper, or the base value
func (x *Var[T]) Load() T {
	x.mu.RLock()
	defer x.mu.RUnlock()
	if n := len(x.layers); n > 0 {
		return x.layers[n-1].value
	}
	return x.base
}

// Store replaces the base value. Installed wrappers stay on top of it.
func (x *Var[T]) Store(v T) {
	x.mu.Lock()
	x.base = v
	x.mu.Unlock()
}

// Swap replaces the base value and returns the previous one
func (x *Var[T]) Swap(v T) T {
	x.mu.Lock()
	defer x.mu.Unlock()
	old := x.base
	x.base = v
	return old
}

// Depth returns the number of installed wrappers
func (x *Var[T]) Depth() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.layers)
}

// below returns the value l wraps. A layer that was removed forwards
// straight to the base value.
func (x *Var[T]) below(l *layer[T]) T {
	x.mu.RLock()
	defer x.mu.RUnlock()
	for i := len(x.layers) - 1; i >= 0; i-- {
		if x.layers[i] != l {
			continue
		}
		if i > 0 {
			return x.layers[i-1].value
		}
		break
	}
	return x.base
}

func (x *Var[T]) remove(l *layer[T]) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for i, cur := range x.layers {
		if cur == l {
			x.layers = append(x.layers[:i], x.layers[i+1:]...)
			return
		}
	}
}

type patch struct {
	name    string
	slot    any
	restore func()
}

// Registry owns every wrapper it installed. Restore removes them in reverse
// install order, exactly once per install.
type Registry struct {
	mu      sync.Mutex
	patches []patch
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{}
}

// Install wraps the value in slot. wrap receives next, which returns the
// value beneath the new wrapper at the time it is called, and returns the
// wrapper itself.
func Install[T any](r *Registry, name string, slot *Var[T], wrap func(next func() T) T) error {
	if slot == nil {
		return fmt.Errorf("hook: install %s: nil slot", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, p := range r.patches {
		if p.slot == any(slot) {
			return fmt.Errorf("hook: install %s: %w", name, ErrAlreadyInstalled)
		}
	}

	l := &layer[T]{}
	l.value = wrap(func() T { return slot.below(l) })

	slot.mu.Lock()
	slot.layers = append(slot.layers, l)
	slot.mu.Unlock()

	r.patches = append(r.patches, patch{
		name:    name,
		slot:    slot,
		restore: func() { slot.remove(l) },
	})
	return nil
}

// Restore removes every wrapper this registry installed and empties it.
// Calling it again is a no-op.
func (r *Registry) Restore() {
	r.mu.Lock()
	patches := r.patches
	r.patches = nil
	r.mu.Unlock()

	for i := len(patches) - 1; i >= 0; i-- {
		patches[i].restore()
	}
}

// Installed returns the names of active patches in install order
func (r *Registry) Installed() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, len(r.patches))
	for i, p := range r.patches {
		names[i] = p.name
	}
	return names
}

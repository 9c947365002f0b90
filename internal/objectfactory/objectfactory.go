// Package objectfactory resolves opaque factory references to constructed
// singleton instances. A reference is an identifier of the form
// module-path + separator + attribute-name; a dynamic language would
// resolve it by import, but Go links statically, so the binary hosting a
// singleton registers constructors from init() and the daemon entrypoint
// consults the registry by reference string at startup.
package objectfactory

import (
	"fmt"
	"sync"
)

// Func constructs a fresh singleton instance. Called exactly once, by the
// daemon entrypoint, at process startup.
type Func func() (any, error)

var (
	mu    sync.RWMutex
	funcs = map[string]Func{}
)

// Register associates a factory reference with a constructor. Safe to call
// from multiple init() functions across packages; re-registering the same
// ref replaces the previous constructor (useful in tests).
func Register(ref string, fn Func) {
	mu.Lock()
	defer mu.Unlock()
	funcs[ref] = fn
}

// Resolve looks up ref and invokes its constructor, producing the opaque
// singleton instance the executor will own for the daemon's lifetime.
func Resolve(ref string) (any, error) {
	mu.RLock()
	fn, ok := funcs[ref]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("objectfactory: no factory registered for %q", ref)
	}
	obj, err := fn()
	if err != nil {
		return nil, fmt.Errorf("objectfactory: constructing %q: %w", ref, err)
	}
	return obj, nil
}

// Registered reports whether ref has a constructor, without invoking it.
func Registered(ref string) bool {
	mu.RLock()
	defer mu.RUnlock()
	_, ok := funcs[ref]
	return ok
}

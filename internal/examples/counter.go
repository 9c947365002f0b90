// Package examples registers the demo singleton objects used by the
// loopback-singletond binary and the end-to-end test suite, exercising
// internal/objectfactory the way a real hosting application would: an
// init() call that makes a factory reference resolvable by name, without
// the daemon package ever importing the concrete type.
package examples

import (
	"fmt"
	"sync"

	"github.com/TovarnovM/loopback-singleton/internal/objectfactory"
)

// CounterFactoryRef is the factory reference for the demo Counter.
const CounterFactoryRef = "examples#Counter"

// Counter is the process-wide singleton state: every inc() call observes
// every prior caller's increment, proving the executor serializes calls
// across sessions rather than per-connection.
type Counter struct {
	mu    sync.Mutex
	value int
}

// Inc increments the counter and returns its new value.
func (c *Counter) Inc() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value++
	return c.value
}

// Value returns the current count without mutating it.
func (c *Counter) Value() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.value
}

// Reset sets the counter back to zero.
func (c *Counter) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.value = 0
}

// Fail always returns an error, exercising the REMOTE_ERROR path.
func (c *Counter) Fail(reason string) error {
	return fmt.Errorf("counter: induced failure: %s", reason)
}

func init() {
	objectfactory.Register(CounterFactoryRef, func() (any, error) {
		return &Counter{}, nil
	})
}

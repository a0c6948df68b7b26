// Package pipeline composes named stages over a per-request shared context.
// A Sequential composer runs stages in order and fails fast; a Parallel
// composer runs isolated branches and joins them all, turning branch
// failures into markers instead of aborting the whole run.
package pipeline

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ErrKeyExists marks an attempt to overwrite a context key. Keys are
// write-once for the lifetime of a request.
var ErrKeyExists = errors.New("context key already set")

// Context is the shared key/value store for one request. Writes are
// write-once; reads never mutate. Clone gives a parallel branch an isolated
// copy so sibling branches cannot observe each other's writes.
type Context struct {
	requestID string
	sessionID string

	mu     sync.RWMutex
	values map[string]any
}

// NewContext creates an empty per-request context with a fresh request id.
func NewContext(sessionID string) *Context {
	return &Context{
		requestID: uuid.NewString(),
		sessionID: sessionID,
		values:    make(map[string]any),
	}
}

func (c *Context) RequestID() string { return c.requestID }
func (c *Context) SessionID() string { return c.sessionID }

// Put stores a value under key. Setting a key that is already present
// returns ErrKeyExists and leaves the existing value untouched.
func (c *Context) Put(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.values[key]; ok {
		return fmt.Errorf("put %q: %w", key, ErrKeyExists)
	}
	c.values[key] = value
	return nil
}

// Get returns the value for key and whether it is present.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Has reports whether key is present.
func (c *Context) Has(key string) bool {
	_, ok := c.Get(key)
	return ok
}

// Keys returns the currently set keys in no particular order.
func (c *Context) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.values))
	for k := range c.values {
		out = append(out, k)
	}
	return out
}

// Snapshot returns a shallow copy of the current values. Used to expose the
// partial context accumulated before a stage failed.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}

// Clone returns an isolated copy sharing the request and session ids. The
// value map is copied shallowly; stages treat stored values as immutable.
func (c *Context) Clone() *Context {
	c.mu.RLock()
	defer c.mu.RUnlock()
	values := make(map[string]any, len(c.values))
	for k, v := range c.values {
		values[k] = v
	}
	return &Context{
		requestID: c.requestID,
		sessionID: c.sessionID,
		values:    values,
	}
}

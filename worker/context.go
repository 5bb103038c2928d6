package worker

import (
	"errors"
	"log"
	"sync"
)

// ErrContextFrozen is returned when a render context is mutated after it
// was dispatched to the host.
var ErrContextFrozen = errors.New("worker: render context mutated after dispatch")

// Context is the request context map of a render session. The render
// pipeline may change it freely until the session starts streaming; Seal
// hands a copy to the host and freezes it. After that, mutations fail with
// ErrContextFrozen in strict mode and are silently ignored otherwise.
type Context struct {
	mu     sync.RWMutex
	values map[string]any
	frozen bool
	strict bool
}

// NewContext wraps values, taking ownership of the map.
func NewContext(values map[string]any, strict bool) *Context {
	if values == nil {
		values = make(map[string]any)
	}
	return &Context{values: values, strict: strict}
}

func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

func (c *Context) Set(key string, value any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return c.rejected("set", key)
	}
	c.values[key] = value
	return nil
}

func (c *Context) Delete(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return c.rejected("delete", key)
	}
	delete(c.values, key)
	return nil
}

// Values returns a deep copy of the current values.
func (c *Context) Values() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.values)
}

func (c *Context) Frozen() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frozen
}

// Seal freezes the context and returns a deep copy of its values, in one
// step, so no mutation can slip between the copy and the freeze.
func (c *Context) Seal() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = true
	return deepCopyMap(c.values)
}

func (c *Context) rejected(op, key string) error {
	if !c.strict {
		return nil
	}
	log.Printf("[worker] context %s %q after dispatch rejected", op, key)
	return ErrContextFrozen
}

func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = deepCopy(v)
	}
	return out
}

func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i := range t {
			out[i] = deepCopy(t[i])
		}
		return out
	case map[string]string:
		out := make(map[string]string, len(t))
		for k, s := range t {
			out[k] = s
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

package engine

import (
	"context"
	"fmt"
	"sync"

	"apiforge/internal/automation"
)

// HandlerKey is the symbolic reference an endpoint uses to name its handler.
// Keys resolve once, when the route table is built; an unknown key fails the
// endpoint at build time rather than per request.
type HandlerKey string

// DefaultHandlerKey is the built-in generic CRUD processor.
const DefaultHandlerKey HandlerKey = "crud"

// HandlerFunc processes one request. params carries the merged and
// validated path/query/body parameters. Work handed to tasks runs after the
// response is sent; the response never waits for it.
type HandlerFunc func(ctx context.Context, params map[string]any, a *automation.Automation, ep *automation.Endpoint, tasks *BackgroundTasks) (any, error)

// HandlerRegistry maps handler keys to functions. Populated at startup.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[HandlerKey]HandlerFunc
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[HandlerKey]HandlerFunc)}
}

// Register binds a key to a handler. Re-registering a key is an error.
func (r *HandlerRegistry) Register(key HandlerKey, fn HandlerFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("handler %q already registered", key)
	}
	r.handlers[key] = fn
	return nil
}

// Resolve returns the handler for key, or a ConfigurationError.
func (r *HandlerRegistry) Resolve(key HandlerKey) (HandlerFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.handlers[key]
	if !ok {
		return nil, ConfigurationError(fmt.Sprintf("unknown handler key: %s", key))
	}
	return fn, nil
}

// BackgroundTasks spawns fire-and-forget work. Wait exists for tests; the
// request path never calls it.
type BackgroundTasks struct {
	wg sync.WaitGroup
}

func (b *BackgroundTasks) Run(fn func()) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn()
	}()
}

func (b *BackgroundTasks) Wait() {
	b.wg.Wait()
}

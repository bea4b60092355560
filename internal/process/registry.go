package process

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps task names to the functions a re-executed child runs.
// Named bodies are resolved against it inside the child process.
type Registry struct {
	mu  sync.RWMutex
	fns map[string]TaskFunc
}

func NewRegistry() *Registry { return &Registry{fns: make(map[string]TaskFunc)} }

// Register adds fn under name. Registering a name twice is an error.
func (r *Registry) Register(name string, fn TaskFunc) error {
	if name == "" {
		return fmt.Errorf("task name required")
	}
	if fn == nil {
		return fmt.Errorf("task %q: nil function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fns == nil {
		r.fns = make(map[string]TaskFunc)
	}
	if _, exists := r.fns[name]; exists {
		return fmt.Errorf("task %q already registered", name)
	}
	r.fns[name] = fn
	return nil
}

// MustRegister is Register for package init code.
func (r *Registry) MustRegister(name string, fn TaskFunc) {
	if err := r.Register(name, fn); err != nil {
		panic(err)
	}
}

func (r *Registry) Lookup(name string) (TaskFunc, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	fn, ok := r.fns[name]
	r.mu.RUnlock()
	return fn, ok
}

// Names returns the registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.fns))
	for n := range r.fns {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

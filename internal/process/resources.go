package process

import (
	"io"
	"reflect"
	"sync"
)

// Resources is the set of handles a child must close before its body runs,
// e.g. listening sockets or pooled connections opened by the host program
// before it learned it was running as a child.
type Resources struct {
	mu    sync.Mutex
	items []any
}

// Add registers a resource. Values without a Close method are accepted and
// ignored at close time.
func (r *Resources) Add(res any) {
	r.mu.Lock()
	r.items = append(r.items, res)
	r.mu.Unlock()
}

func (r *Resources) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.items)
}

// CloseAll closes every registered resource that is still open and returns how
// many Close calls were made. Close errors are ignored.
func (r *Resources) CloseAll() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	items := append([]any(nil), r.items...)
	r.mu.Unlock()
	n := 0
	for _, it := range items {
		if closeIfOpen(it) {
			n++
		}
	}
	return n
}

func closeIfOpen(res any) bool {
	if isNil(res) {
		return false
	}
	switch c := res.(type) {
	case interface{ Closed() bool }:
		if c.Closed() {
			return false
		}
	case interface{ IsClosed() bool }:
		if c.IsClosed() {
			return false
		}
	}
	cl, ok := res.(io.Closer)
	if !ok {
		return false
	}
	_ = cl.Close()
	return true
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	}
	return false
}

package dispatch

import (
	"fmt"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// HandlerError records a handler that panicked during dispatch.
type HandlerError struct {
	Kind  string
	Index int
	Value any
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler %d panicked: %v", e.Kind, e.Index, e.Value)
}

type registration[T any] struct {
	id uint64
	fn func(T)
}

// Fanout delivers values synchronously to every registered handler, in
// registration order. A panicking handler is recovered and logged; the
// remaining handlers still run.
type Fanout[T any] struct {
	kind   string
	logger hclog.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers []registration[T]
}

func NewFanout[T any](kind string, logger hclog.Logger) *Fanout[T] {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Fanout[T]{kind: kind, logger: logger}
}

// Subscribe registers fn and returns a function that detaches this
// registration only. Calling it more than once is harmless.
func (f *Fanout[T]) Subscribe(fn func(T)) func() {
	f.mu.Lock()
	f.nextID++
	id := f.nextID
	f.handlers = append(f.handlers, registration[T]{id: id, fn: fn})
	f.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { f.remove(id) })
	}
}

func (f *Fanout[T]) remove(id uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, reg := range f.handlers {
		if reg.id == id {
			f.handlers = append(f.handlers[:i:i], f.handlers[i+1:]...)
			return
		}
	}
}

// Publish calls every handler registered at the time of the call. Handlers may
// subscribe or unsubscribe from inside a callback.
func (f *Fanout[T]) Publish(v T) {
	f.mu.RLock()
	handlers := make([]registration[T], len(f.handlers))
	copy(handlers, f.handlers)
	f.mu.RUnlock()

	for i, reg := range handlers {
		if err := f.call(i, reg.fn, v); err != nil {
			f.logger.Error("handler failed", "error", err)
		}
	}
}

func (f *Fanout[T]) call(index int, fn func(T), v T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Kind: f.kind, Index: index, Value: r}
		}
	}()
	fn(v)
	return nil
}

func (f *Fanout[T]) Len() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.handlers)
}

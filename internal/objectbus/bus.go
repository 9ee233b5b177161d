// Package objectbus defines the small interface the core requires from
// the process-wide publish/subscribe object bus (spec.md §1 "deliberately
// out of scope... The core requires only a small interface") and ships a
// concrete in-memory implementation so the rest of this repo builds,
// runs, and is testable end to end (SPEC_FULL.md §1).
//
// The path tree mirrors the "com.victronenergy.<role>.<ident>/<path>"
// surface described in spec.md §6; this package is transport-agnostic and
// knows nothing about service names beyond the path strings it is given.
package objectbus

import (
	"sync"

	"github.com/google/uuid"
)

// WriteFunc is invoked when a bus client writes to a registered path.
// Returning an error rejects the write; the bus surfaces failure to the
// caller without touching the path's stored value (spec.md §4.5.4
// "dbus_write_register... returns success/failure").
type WriteFunc func(value any) error

// ChangeFunc is invoked once per value transition: after Publish sets a
// new value, or with a nil value after Clear removes an existing path.
type ChangeFunc func(path string, value any)

// Bus is the interface the device/supervisor layers depend on. A real
// deployment backs it with the actual D-Bus (or similar) service tree;
// InMemoryBus is the default, concrete implementation this repo ships.
type Bus interface {
	// AddService registers a new service name (e.g.
	// "com.victronenergy.grid.cg_1234"); Publish/Remove calls below are
	// scoped under serviceName.
	AddService(serviceName string) error
	// RemoveService tears down a previously added service and every path
	// published under it.
	RemoveService(serviceName string)

	// Publish sets path's value under serviceName, creating it if absent.
	// write is nil for read-only paths.
	Publish(serviceName, path string, value any, write WriteFunc) error
	// Clear removes path's value (spec.md §4.1 "onchange fires... the
	// register's object-bus path is cleared" on decode to "no value").
	Clear(serviceName, path string)

	// Write delivers a bus-originated write to path's registered
	// WriteFunc, per spec.md §4.5.4.
	Write(serviceName, path string, value any) error

	// Subscribe registers fn to be called on every Publish or Clear
	// transition under serviceName; returns a handle for Unsubscribe.
	Subscribe(serviceName string, fn ChangeFunc) string
	Unsubscribe(serviceName, handle string)

	// Flush is called once at the end of a device's update tick
	// (spec.md §4.5.3 "Flush the object bus once at end of tick") and by
	// init (§4.5.2 step 11, "Flush any pending object-bus writes
	// atomically"). InMemoryBus's Publish/Write already apply
	// synchronously, so Flush is a no-op hook kept for interface parity
	// with bus implementations that batch.
	Flush(serviceName string)
}

type service struct {
	mu     sync.RWMutex
	paths  map[string]*pathEntry
	subs   map[string]ChangeFunc
}

type pathEntry struct {
	value any
	write WriteFunc
}

// InMemoryBus is a concrete, process-local Bus implementation: a map of
// service name to path tree, guarded by one mutex per service (spec.md
// §5 "Shared resources... mDNS found set are protected by mutexes" —
// the same discipline applied here to the bus's own state).
type InMemoryBus struct {
	mu       sync.RWMutex
	services map[string]*service
}

// NewInMemoryBus constructs an empty bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{services: make(map[string]*service)}
}

func (b *InMemoryBus) AddService(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.services[name]; ok {
		return nil
	}
	b.services[name] = &service{
		paths: make(map[string]*pathEntry),
		subs:  make(map[string]ChangeFunc),
	}
	return nil
}

func (b *InMemoryBus) RemoveService(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.services, name)
}

func (b *InMemoryBus) svc(name string) *service {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.services[name]
}

func (b *InMemoryBus) Publish(serviceName, path string, value any, write WriteFunc) error {
	s := b.svc(serviceName)
	if s == nil {
		return errServiceNotFound(serviceName)
	}
	s.mu.Lock()
	prev, existed := s.paths[path]
	changed := !existed || !valueEqual(prev.value, value)
	s.paths[path] = &pathEntry{value: value, write: write}
	subs := make([]ChangeFunc, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	if changed {
		for _, fn := range subs {
			fn(path, value)
		}
	}
	return nil
}

func (b *InMemoryBus) Clear(serviceName, path string) {
	s := b.svc(serviceName)
	if s == nil {
		return
	}
	s.mu.Lock()
	_, existed := s.paths[path]
	if existed {
		delete(s.paths, path)
	}
	subs := make([]ChangeFunc, 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	if existed {
		for _, fn := range subs {
			fn(path, nil)
		}
	}
}

func (b *InMemoryBus) Write(serviceName, path string, value any) error {
	s := b.svc(serviceName)
	if s == nil {
		return errServiceNotFound(serviceName)
	}
	s.mu.RLock()
	entry, ok := s.paths[path]
	s.mu.RUnlock()
	if !ok || entry.write == nil {
		return errNotWritable(path)
	}
	return entry.write(value)
}

func (b *InMemoryBus) Subscribe(serviceName string, fn ChangeFunc) string {
	s := b.svc(serviceName)
	if s == nil {
		return ""
	}
	handle := uuid.NewString()
	s.mu.Lock()
	s.subs[handle] = fn
	s.mu.Unlock()
	return handle
}

func (b *InMemoryBus) Unsubscribe(serviceName, handle string) {
	s := b.svc(serviceName)
	if s == nil {
		return
	}
	s.mu.Lock()
	delete(s.subs, handle)
	s.mu.Unlock()
}

func (b *InMemoryBus) Flush(string) {}

// Value returns path's current value under serviceName, for tests.
func (b *InMemoryBus) Value(serviceName, path string) (any, bool) {
	s := b.svc(serviceName)
	if s == nil {
		return nil, false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.paths[path]
	if !ok {
		return nil, false
	}
	return e.value, true
}

func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

type busError string

func (e busError) Error() string { return string(e) }

func errServiceNotFound(name string) error { return busError("objectbus: service not found: " + name) }
func errNotWritable(path string) error     { return busError("objectbus: path not writable: " + path) }

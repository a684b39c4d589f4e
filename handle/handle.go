// File: handle/handle.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Handle registry and virtual-capability dispatch (spec §4.1). Grounded on
// api/interfaces.go's "object answers a query for an interface" pattern,
// generalized from a fixed set of named interfaces (Reactor, NetConn,
// BytePool, ...) to a tagged capability query any adapter can answer.

package handle

import (
	"sync"
	"sync/atomic"
)

// ID is a small non-negative integer identifying a registered handle object.
type ID int32

// Tag names a capability an Object may expose via Query.
type Tag int

const (
	// TagBytestream asks for the Bytestream capability (ordered octet stream).
	TagBytestream Tag = iota
	// TagMessage asks for the Message capability (atomic bounded datagrams).
	TagMessage
	// TagListener asks for the Listener capability (Accept).
	TagListener
)

// Object is implemented by every registered handle. Query answers whether
// the object supports a capability; Close releases all owned resources,
// recursively closing any owned underlying handle. Done, if implemented via
// Doner, performs a half-close of the outbound direction.
type Object interface {
	Query(tag Tag) (any, bool)
	Close() error
}

// Doner is the optional half-close capability of an Object.
type Doner interface {
	Done() error
}

var idSeq int32

// entry is the refcounted registration behind every id. Dup does not clone
// the underlying object -- it shares this entry across ids, so the object's
// Close only actually runs once the last referencing id is closed. Without
// this, a naive dup-then-close-original (move-on-attach, see Attach) would
// tear the resource down immediately, leaving the "moved-to" id pointing at
// a dead object.
type entry struct {
	obj  Object
	refs int32
}

// Registry assigns small integer ids to handle objects and dispatches the
// generic close/done/query operations. Ids are stable while the object
// lives; an object's Close runs at most once, when its last referencing id
// is closed.
type Registry struct {
	mu      sync.RWMutex
	objects map[ID]*entry
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{objects: make(map[ID]*entry)}
}

// Default is the package-level registry most callers use, mirroring the
// teacher's facade-style singleton convenience without forcing it.
var Default = NewRegistry()

// Make registers obj and returns its new id. A failed construction upstream
// of Make releases nothing here; the caller retains ownership on failure.
func (r *Registry) Make(obj Object) ID {
	id := ID(atomic.AddInt32(&idSeq, 1))
	r.mu.Lock()
	r.objects[id] = &entry{obj: obj, refs: 1}
	r.mu.Unlock()
	return id
}

// Lookup returns the object registered under id, if any.
func (r *Registry) Lookup(id ID) (Object, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.objects[id]
	if !ok {
		return nil, false
	}
	return e.obj, true
}

// Query asks the object registered under id for a capability.
func (r *Registry) Query(id ID, tag Tag) (any, bool) {
	obj, ok := r.Lookup(id)
	if !ok {
		return nil, false
	}
	return obj.Query(tag)
}

// Dup registers an additional id referencing the same object and bumps its
// reference count. Adapters use this during attach so the wrapper's
// bookkeeping never observes a half-updated id table (see Attach for the
// move-on-attach ownership rule).
func (r *Registry) Dup(id ID) (ID, error) {
	r.mu.Lock()
	e, ok := r.objects[id]
	if !ok {
		r.mu.Unlock()
		return 0, ErrInvalidArgument
	}
	atomic.AddInt32(&e.refs, 1)
	newID := ID(atomic.AddInt32(&idSeq, 1))
	r.objects[newID] = e
	r.mu.Unlock()
	return newID, nil
}

// Close removes id from the registry and, if id held the last reference to
// its object, invokes the object's Close hook. Idempotent-safe: a second
// Close on an already-removed id is a no-op, and errors from the underlying
// close are swallowed per spec §7.
func (r *Registry) Close(id ID) error {
	r.mu.Lock()
	e, ok := r.objects[id]
	if ok {
		delete(r.objects, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if atomic.AddInt32(&e.refs, -1) > 0 {
		return nil
	}
	_ = e.obj.Close()
	return nil
}

// Done invokes the object's half-close hook if it implements Doner.
func (r *Registry) Done(id ID) error {
	obj, ok := r.Lookup(id)
	if !ok {
		return ErrInvalidArgument
	}
	if d, ok := obj.(Doner); ok {
		return d.Done()
	}
	return ErrNotSupported
}

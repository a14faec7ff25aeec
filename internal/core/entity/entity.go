package entity

import (
	"sync"

	"github.com/google/uuid"
)

// ID uniquely identifies an entity across the process. Entities are
// created by the host environment, never by this module; the ID is the
// only thing membership bookkeeping holds on to for ordering and
// deduplication.
type ID string

// Entity is an opaque handle to a host-owned object. The property-read
// capability is the only thing the query layer needs; hosts whose
// objects cannot implement it directly can wrap them in a Func.
type Entity interface {
	ID() ID
	Property(name string) (any, bool)
}

// Mutable extends Entity with property writes. Trait initializers that
// need to stamp properties onto an entity assert for this.
type Mutable interface {
	Entity
	SetProperty(name string, value any)
}

// Basic is a self-contained Entity backed by a metadata map. It is the
// reference implementation used by the in-memory tag provider and the
// test suites.
type Basic struct {
	id    ID
	mu    sync.RWMutex
	props map[string]any
}

var _ Mutable = (*Basic)(nil)

// NewBasic creates a Basic entity with a fresh unique ID.
func NewBasic() *Basic {
	return NewBasicWithID(ID(uuid.NewString()))
}

// NewBasicWithID creates a Basic entity with a caller-chosen ID.
func NewBasicWithID(id ID) *Basic {
	return &Basic{
		id:    id,
		props: make(map[string]any),
	}
}

func (b *Basic) ID() ID {
	return b.id
}

func (b *Basic) Property(name string) (any, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.props[name]
	return v, ok
}

func (b *Basic) SetProperty(name string, value any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.props[name] = value
}

// RemoveProperty deletes a property. Removing an absent property is a
// no-op.
func (b *Basic) RemoveProperty(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.props, name)
}

// Properties returns a copy of the current property map.
func (b *Basic) Properties() map[string]any {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]any, len(b.props))
	for k, v := range b.props {
		out[k] = v
	}
	return out
}

// Func adapts a host-provided read function into an Entity.
type Func struct {
	EntityID ID
	Read     func(name string) (any, bool)
}

var _ Entity = Func{}

func (f Func) ID() ID {
	return f.EntityID
}

func (f Func) Property(name string) (any, bool) {
	if f.Read == nil {
		return nil, false
	}
	return f.Read(name)
}

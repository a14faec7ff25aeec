package tags

import (
	"sync"

	"github.com/google/uuid"

	"github.com/traitsync/traitsync/internal/core/entity"
)

type listenerKind uint8

const (
	kindAdded listenerKind = iota
	kindRemoved
)

// listener implements Listener.
type listener struct {
	id     string
	tag    string
	fn     ListenerFunc
	active bool
	cancel func()
}

func (l *listener) ID() string  { return l.id }
func (l *listener) Tag() string { return l.tag }
func (l *listener) IsActive() bool {
	return l.active
}

func (l *listener) Cancel() error {
	if l.cancel != nil {
		l.cancel()
	}
	l.active = false
	return nil
}

// tagIndex keeps one tag's members in insertion order with O(1) lookup.
type tagIndex struct {
	order []entity.ID
	byID  map[entity.ID]entity.Entity
}

func newTagIndex() *tagIndex {
	return &tagIndex{byID: make(map[entity.ID]entity.Entity)}
}

func (t *tagIndex) add(e entity.Entity) bool {
	if _, ok := t.byID[e.ID()]; ok {
		return false
	}
	t.byID[e.ID()] = e
	t.order = append(t.order, e.ID())
	return true
}

func (t *tagIndex) remove(id entity.ID) (entity.Entity, bool) {
	e, ok := t.byID[id]
	if !ok {
		return nil, false
	}
	delete(t.byID, id)
	for i, oid := range t.order {
		if oid == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	return e, true
}

func (t *tagIndex) list() []entity.Entity {
	out := make([]entity.Entity, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.byID[id])
	}
	return out
}

// MemoryProvider is an in-process Provider. Events are delivered
// synchronously, in listener registration order. It is the default
// provider for tests and single-process hosts.
type MemoryProvider struct {
	mu sync.RWMutex
	// tags: tag -> members in insertion order
	index map[string]*tagIndex
	// listeners: kind -> tag -> ordered registrations
	listeners map[listenerKind]map[string][]*listener
	closed    bool
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider creates an empty in-memory tag provider.
func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		index: make(map[string]*tagIndex),
		listeners: map[listenerKind]map[string][]*listener{
			kindAdded:   make(map[string][]*listener),
			kindRemoved: make(map[string][]*listener),
		},
	}
}

func (p *MemoryProvider) AddTag(e entity.Entity, tag string) error {
	if err := checkArgs(e, tag); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProviderClosed
	}
	idx := p.index[tag]
	if idx == nil {
		idx = newTagIndex()
		p.index[tag] = idx
	}
	added := idx.add(e)
	var fns []ListenerFunc
	if added {
		fns = p.snapshotLocked(kindAdded, tag)
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
	return nil
}

func (p *MemoryProvider) RemoveTag(e entity.Entity, tag string) error {
	if err := checkArgs(e, tag); err != nil {
		return err
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrProviderClosed
	}
	var fns []ListenerFunc
	if idx := p.index[tag]; idx != nil {
		if _, removed := idx.remove(e.ID()); removed {
			fns = p.snapshotLocked(kindRemoved, tag)
		}
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
	return nil
}

func (p *MemoryProvider) OnTagAdded(tag string, fn ListenerFunc) (Listener, error) {
	return p.register(kindAdded, tag, fn)
}

func (p *MemoryProvider) OnTagRemoved(tag string, fn ListenerFunc) (Listener, error) {
	return p.register(kindRemoved, tag, fn)
}

func (p *MemoryProvider) ListTagged(tag string) ([]entity.Entity, error) {
	if tag == "" {
		return nil, ErrEmptyTag
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrProviderClosed
	}
	idx := p.index[tag]
	if idx == nil {
		return nil, nil
	}
	return idx.list(), nil
}

// Close drops all state and listener registrations. Subsequent calls
// fail with ErrProviderClosed.
func (p *MemoryProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	p.index = make(map[string]*tagIndex)
	for kind := range p.listeners {
		p.listeners[kind] = make(map[string][]*listener)
	}
	return nil
}

func (p *MemoryProvider) register(kind listenerKind, tag string, fn ListenerFunc) (Listener, error) {
	if tag == "" {
		return nil, ErrEmptyTag
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrProviderClosed
	}

	id := uuid.NewString()
	l := &listener{id: id, tag: tag, fn: fn, active: true}
	l.cancel = func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		regs := p.listeners[kind][tag]
		for i, reg := range regs {
			if reg.id == id {
				p.listeners[kind][tag] = append(regs[:i], regs[i+1:]...)
				break
			}
		}
	}
	p.listeners[kind][tag] = append(p.listeners[kind][tag], l)
	return l, nil
}

// snapshotLocked copies the listener funcs so delivery happens outside
// the lock.
func (p *MemoryProvider) snapshotLocked(kind listenerKind, tag string) []ListenerFunc {
	regs := p.listeners[kind][tag]
	if len(regs) == 0 {
		return nil
	}
	fns := make([]ListenerFunc, 0, len(regs))
	for _, reg := range regs {
		if reg.active {
			fns = append(fns, reg.fn)
		}
	}
	return fns
}

func checkArgs(e entity.Entity, tag string) error {
	if e == nil {
		return ErrNilEntity
	}
	if tag == "" {
		return ErrEmptyTag
	}
	return nil
}

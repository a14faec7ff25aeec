package feed

import (
	"sync"
	"sync/atomic"

	"github.com/traitsync/traitsync/internal/core/entity"
	"github.com/traitsync/traitsync/internal/core/observability/log"
	"github.com/traitsync/traitsync/internal/core/tags"
)

// SendFunc transmits one frame to the remote side of a feed.
type SendFunc func(Frame) error

// Mirror is the transport-independent half of a remote tag feed. It
// keeps a local index of the remote tag state, applies inbound frames
// to it, and forwards outbound mutations through the transport's send
// hook. Local mutations are applied immediately so ListTagged and the
// event streams do not have to wait for a remote echo; the echo
// deduplicates against the index.
type Mirror struct {
	local  *tags.MemoryProvider
	send   SendFunc
	logger log.Log
	closed atomic.Bool

	mu       sync.Mutex
	entities map[entity.ID]*entity.Basic
}

var _ tags.Provider = (*Mirror)(nil)

// NewMirror creates the shared feed core around a transport send hook.
func NewMirror(send SendFunc, logger log.Log) *Mirror {
	if logger == nil {
		logger = log.Provide()
	}
	return &Mirror{
		local:    tags.NewMemoryProvider(),
		send:     send,
		logger:   logger,
		entities: make(map[entity.ID]*entity.Basic),
	}
}

func (m *Mirror) AddTag(e entity.Entity, tag string) error {
	if m.closed.Load() {
		return tags.ErrFeedClosed
	}
	if err := m.local.AddTag(e, tag); err != nil {
		return err
	}
	return m.send(Frame{
		Op:         OpAdd,
		Tag:        tag,
		EntityID:   string(e.ID()),
		Properties: snapshotProperties(e),
	})
}

func (m *Mirror) RemoveTag(e entity.Entity, tag string) error {
	if m.closed.Load() {
		return tags.ErrFeedClosed
	}
	if err := m.local.RemoveTag(e, tag); err != nil {
		return err
	}
	return m.send(Frame{
		Op:       OpRemove,
		Tag:      tag,
		EntityID: string(e.ID()),
	})
}

func (m *Mirror) OnTagAdded(tag string, fn tags.ListenerFunc) (tags.Listener, error) {
	return m.local.OnTagAdded(tag, fn)
}

func (m *Mirror) OnTagRemoved(tag string, fn tags.ListenerFunc) (tags.Listener, error) {
	return m.local.OnTagRemoved(tag, fn)
}

func (m *Mirror) ListTagged(tag string) ([]entity.Entity, error) {
	if m.closed.Load() {
		return nil, tags.ErrFeedClosed
	}
	return m.local.ListTagged(tag)
}

// Apply folds one inbound frame into the local index, firing the same
// listener streams a local mutation would. Frames that only echo state
// the mirror already holds are dropped by the index.
func (m *Mirror) Apply(f Frame) {
	if m.closed.Load() {
		return
	}
	switch f.Op {
	case OpAdd:
		e := m.materialize(f)
		if err := m.local.AddTag(e, f.Tag); err != nil {
			m.logger.Warn("feed frame rejected",
				log.String("tag", f.Tag),
				log.String("entity_id", f.EntityID),
				log.Error(err))
		}
	case OpRemove:
		e := m.materialize(f)
		if err := m.local.RemoveTag(e, f.Tag); err != nil {
			m.logger.Warn("feed frame rejected",
				log.String("tag", f.Tag),
				log.String("entity_id", f.EntityID),
				log.Error(err))
		}
	default:
		m.logger.Warn("feed frame with unknown op", log.String("op", string(f.Op)))
	}
}

// Close marks the mirror closed and drops the local index.
func (m *Mirror) Close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.local.Close()
}

// materialize resolves the frame's entity to a stable local handle,
// creating it on first sight and refreshing its property snapshot.
func (m *Mirror) materialize(f Frame) *entity.Basic {
	id := entity.ID(f.EntityID)
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entities[id]
	if !ok {
		e = entity.NewBasicWithID(id)
		m.entities[id] = e
	}
	for name, value := range f.Properties {
		e.SetProperty(name, value)
	}
	return e
}

// snapshotProperties captures an outbound entity's properties when the
// handle exposes them.
func snapshotProperties(e entity.Entity) map[string]any {
	type propertyLister interface {
		Properties() map[string]any
	}
	if pl, ok := e.(propertyLister); ok {
		return pl.Properties()
	}
	return nil
}

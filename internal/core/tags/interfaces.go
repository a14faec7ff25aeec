package tags

import (
	"errors"

	"github.com/traitsync/traitsync/internal/core/entity"
)

// Tag propagation errors
var (
	ErrProviderClosed = errors.New("tag provider is closed")
	ErrFeedClosed     = errors.New("tag feed connection is closed")
	ErrNilEntity      = errors.New("entity is nil")
	ErrEmptyTag       = errors.New("tag is empty")
)

// ListenerFunc receives one entity per tag event.
type ListenerFunc func(e entity.Entity)

// Listener is a cancellable registration on a tag event stream.
type Listener interface {
	ID() string
	Tag() string
	IsActive() bool
	Cancel() error
}

// Provider is the external tag-propagation collaborator. The trait
// layer consumes it purely through this interface: it can attach and
// detach string tags on entities, observe future add/remove events per
// tag, and enumerate the entities currently holding a tag.
//
// Implementations must deliver events for every add/remove, including
// ones performed through this same Provider value.
type Provider interface {
	AddTag(e entity.Entity, tag string) error
	RemoveTag(e entity.Entity, tag string) error

	OnTagAdded(tag string, fn ListenerFunc) (Listener, error)
	OnTagRemoved(tag string, fn ListenerFunc) (Listener, error)

	ListTagged(tag string) ([]entity.Entity, error)

	Close() error
}

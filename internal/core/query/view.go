package query

import (
	"errors"

	"github.com/traitsync/traitsync/internal/core/entity"
	"github.com/traitsync/traitsync/internal/core/events/bus"
	"github.com/traitsync/traitsync/internal/core/trait"
	"github.com/traitsync/traitsync/pkg/concurrent"
	"github.com/traitsync/traitsync/pkg/sequence"
)

// Query errors
var (
	ErrNilRegistry = errors.New("query requires a registry")
	ErrNoTags      = errors.New("query spec has no tags")
	ErrBadTagsKey  = errors.New("query spec tags key must be a string or string slice")
)

const defaultFilterWorkers = 4

// Spec describes a view: the traits to union over and the property
// requirements members must satisfy.
type Spec struct {
	Tags      []string
	Predicate Predicate
}

// ParseSpec builds a Spec from a loose key/value form. The reserved
// "tags" key names the traits (a string or a string slice); every
// other non-reserved key becomes a predicate entry.
func ParseSpec(raw map[string]any) (Spec, error) {
	var spec Spec
	for key, value := range raw {
		switch key {
		case KeyTags:
			switch tv := value.(type) {
			case string:
				spec.Tags = append(spec.Tags, tv)
			case []string:
				spec.Tags = append(spec.Tags, tv...)
			case []any:
				for _, item := range tv {
					s, ok := item.(string)
					if !ok {
						return Spec{}, ErrBadTagsKey
					}
					spec.Tags = append(spec.Tags, s)
				}
			default:
				return Spec{}, ErrBadTagsKey
			}
		case KeyIdentifier:
			// view construction metadata, not a requirement
		default:
			if spec.Predicate == nil {
				spec.Predicate = make(Predicate)
			}
			spec.Predicate[key] = value
		}
	}
	return spec, nil
}

// Options configure a View.
type Options struct {
	FilterWorkers int
}

type Option func(*Options)

// WithFilterWorkers bounds the concurrency of predicate evaluation in
// Get.
func WithFilterWorkers(n int) Option {
	return func(o *Options) { o.FilterWorkers = n }
}

// View is a derived, read-only projection over one or more traits'
// membership. It holds no membership state of its own; Get reads the
// traits live and Track rides the association bus.
type View struct {
	reg       *trait.Registry
	tags      []string
	predicate Predicate
	workers   int
}

// New validates the spec against the registry and returns a view.
// Every tag must name a currently registered trait.
func New(reg *trait.Registry, spec Spec, opts ...Option) (*View, error) {
	if reg == nil {
		return nil, ErrNilRegistry
	}
	if len(spec.Tags) == 0 {
		return nil, ErrNoTags
	}

	o := &Options{FilterWorkers: defaultFilterWorkers}
	for _, opt := range opts {
		opt(o)
	}

	seen := make(map[string]struct{}, len(spec.Tags))
	tags := make([]string, 0, len(spec.Tags))
	for _, tag := range spec.Tags {
		if _, dup := seen[tag]; dup {
			continue
		}
		seen[tag] = struct{}{}
		if _, ok := reg.Lookup(tag); !ok {
			return nil, trait.WrapError(trait.ErrUnknownTag, "query tag "+tag)
		}
		tags = append(tags, tag)
	}

	predicate := make(Predicate, len(spec.Predicate))
	for k, v := range spec.Predicate {
		predicate[k] = v
	}

	return &View{
		reg:       reg,
		tags:      tags,
		predicate: predicate,
		workers:   o.FilterWorkers,
	}, nil
}

// Tags returns the view's tag set in spec order.
func (v *View) Tags() []string {
	out := make([]string, len(v.tags))
	copy(out, v.tags)
	return out
}

// Get returns a point-in-time snapshot: the union of the tags'
// membership, deduplicated by entity ID, filtered through the
// predicate. A tag whose trait has been retired since view creation
// contributes nothing.
func (v *View) Get() []entity.Entity {
	var all []entity.Entity
	for _, tag := range v.tags {
		if t, ok := v.reg.Lookup(tag); ok {
			all = append(all, t.Members()...)
		}
	}
	distinct := sequence.DistinctBy(sequence.From(all), func(e entity.Entity) entity.ID {
		return e.ID()
	})
	return concurrent.ParallelFilter(distinct, v.workers, func(e entity.Entity) bool {
		return Matches(e, v.predicate)
	})
}

// TrackListener receives qualifying association events.
type TrackListener func(traitIdentifier string, e entity.Entity)

// Track registers a listener for every future association whose trait
// is in the view's tag set and whose entity satisfies the predicate.
// Past associations are never replayed. Listener panics are contained
// by the bus and never reach the publisher. Multiple listeners may be
// registered on the same view; they fire in registration order.
func (v *View) Track(listener TrackListener) (*Subscription, error) {
	subs := make([]bus.Subscription, 0, len(v.tags))
	for _, tag := range v.tags {
		sub, err := v.reg.Bus().Subscribe(tag, func(ev bus.Event) {
			if Matches(ev.Entity, v.predicate) {
				listener(ev.Trait, ev.Entity)
			}
		})
		if err != nil {
			for _, prior := range subs {
				_ = prior.Cancel()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}
	return &Subscription{subs: subs}, nil
}

// Subscription bundles one Track registration across the view's tags.
type Subscription struct {
	subs []bus.Subscription
}

// Cancel withdraws the listener from every tag.
func (s *Subscription) Cancel() error {
	for _, sub := range s.subs {
		_ = sub.Cancel()
	}
	return nil
}

// IsActive reports whether any underlying registration is live.
func (s *Subscription) IsActive() bool {
	for _, sub := range s.subs {
		if sub.IsActive() {
			return true
		}
	}
	return false
}

package injector

import (
	"context"
	"fmt"

	"github.com/google/wire"

	"github.com/traitsync/traitsync/internal/core/config"
	"github.com/traitsync/traitsync/internal/core/events/bus"
	"github.com/traitsync/traitsync/internal/core/observability/log"
	"github.com/traitsync/traitsync/internal/core/tags"
	quicfeed "github.com/traitsync/traitsync/internal/core/tags/feed/quic"
	wsfeed "github.com/traitsync/traitsync/internal/core/tags/feed/websocket"
	"github.com/traitsync/traitsync/internal/core/trait"
)

// NewLogger builds the process logger from the runtime config.
func NewLogger(cfg config.Runtime) *log.Logger {
	return log.New(log.ParseLevel(cfg.LogLevel))
}

// NewBus builds the association notification bus.
func NewBus(logger *log.Logger) bus.Bus {
	return bus.New(logger)
}

// NewProvider builds the tag-propagation provider the config selects:
// the in-memory index, or a dialled WebSocket/QUIC feed.
func NewProvider(ctx context.Context, cfg config.Runtime, logger *log.Logger) (tags.Provider, error) {
	switch cfg.Feed.Kind {
	case "websocket":
		return wsfeed.Dial(ctx, cfg.Feed.URL, logger)
	case "quic":
		return quicfeed.Dial(ctx, quicfeed.Config{
			Addr:       cfg.Feed.Addr,
			ServerName: cfg.Feed.ServerName,
			Insecure:   cfg.Feed.Insecure,
		}, logger)
	case "memory", "":
		return tags.NewMemoryProvider(), nil
	default:
		return nil, fmt.Errorf("unknown feed kind %q", cfg.Feed.Kind)
	}
}

// NewRegistry wires the trait registry from its collaborators.
func NewRegistry(cfg config.Runtime, provider tags.Provider, b bus.Bus, logger *log.Logger) *trait.Registry {
	return trait.NewRegistry(provider,
		trait.WithLogger(logger),
		trait.WithBus(b),
		trait.WithQueueSize(cfg.DispatchQueueSize),
		trait.WithStateShards(cfg.StateShards),
	)
}

// ProviderSet is the default wiring for a single-process host.
var ProviderSet = wire.NewSet(NewLogger, NewBus, NewProvider, NewRegistry)

// Command traitsyncd runs a standalone trait registry against a remote
// tag feed and logs every association it observes. Useful for watching
// a tag service without embedding the library in a host process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/traitsync/traitsync/internal/core/config"
	"github.com/traitsync/traitsync/internal/core/entity"
	"github.com/traitsync/traitsync/internal/core/events/bus"
	"github.com/traitsync/traitsync/internal/core/observability/log"
	"github.com/traitsync/traitsync/internal/core/trait"
	"github.com/traitsync/traitsync/internal/injector"
)

func main() {
	configPath := flag.String("config", "", "path to the runtime YAML config")
	traitList := flag.String("traits", "", "comma-separated trait identifiers to define")
	flag.Parse()

	if err := run(*configPath, *traitList); err != nil {
		fmt.Fprintln(os.Stderr, "traitsyncd:", err)
		os.Exit(1)
	}
}

func run(configPath, traitList string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := injector.NewLogger(cfg)
	provider, err := injector.NewProvider(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = provider.Close() }()

	notify := injector.NewBus(logger)
	registry := injector.NewRegistry(cfg, provider, notify, logger)
	defer func() { _ = registry.Close() }()

	if _, err = notify.SubscribeAll(func(e bus.Event) {
		logger.Info("association",
			log.String("trait", e.Trait),
			log.String("entity_id", string(e.Entity.ID())))
	}); err != nil {
		return err
	}

	for _, identifier := range strings.Split(traitList, ",") {
		identifier = strings.TrimSpace(identifier)
		if identifier == "" {
			continue
		}
		if _, err = registry.Define(identifier, func(_ *trait.Trait, _ entity.Entity) error {
			return nil
		}); err != nil {
			return err
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	logger.Info("shutting down")
	return nil
}

//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"context"

	"github.com/google/wire"

	"github.com/traitsync/traitsync/internal/core/config"
	"github.com/traitsync/traitsync/internal/core/trait"
)

func InitializeRegistry(ctx context.Context, cfg config.Runtime) (*trait.Registry, error) {
	wire.Build(ProviderSet)
	return nil, nil
}

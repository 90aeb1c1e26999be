//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/pagesync/pagesync/internal/core/observability/log"
	"github.com/pagesync/pagesync/internal/core/reader"
)

func ProvideLogger() *log.Logger {
	wire.Build(log.Provide)
	return log.New(log.LevelDebug)
}

func ProvideService(device reader.Device) *reader.Service {
	wire.Build(
		reader.NewService,
		log.Provide,
		wire.Bind(new(log.Log), new(*log.Logger)),
	)
	return nil
}

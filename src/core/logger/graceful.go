package logger

import (
	"fmt"

	"github.com/appleboy/graceful"
	"github.com/rs/zerolog"
)

var _ graceful.Logger = (*Graceful)(nil)

// Graceful adapts zerolog to the graceful manager.
type Graceful struct {
	logger *zerolog.Logger
}

func NewGraceful(logger *zerolog.Logger) *Graceful {
	return &Graceful{
		logger: logger,
	}
}

func (g *Graceful) Infof(format string, args ...any) {
	g.logger.Info().Msgf(format, args...)
}

func (g *Graceful) Errorf(format string, args ...any) {
	g.logger.Error().Msgf(format, args...)
}

func (g *Graceful) Fatalf(format string, args ...any) {
	g.logger.Fatal().Msgf(format, args...)
}

func (g *Graceful) Info(args ...any) {
	g.logger.Info().Msg(fmt.Sprint(args...))
}

func (g *Graceful) Error(args ...any) {
	g.logger.Error().Msg(fmt.Sprint(args...))
}

func (g *Graceful) Fatal(args ...any) {
	g.logger.Fatal().Msg(fmt.Sprint(args...))
}

package event

import (
	"github.com/rs/zerolog"

	"github.com/cnaize/geofw/src/core/metrics"
	"github.com/cnaize/geofw/src/types"
)

var _ Sender = Error{}

type Error struct {
	Message

	Err error
}

func NewError(lvl zerolog.Level, msg string, err error) Error {
	return Error{
		Message: NewMessage(lvl, msg),
		Err:     err,
	}
}

func (e Error) In(scope Scope) Error {
	e.Scope = scope
	return e
}

func (e Error) Send(logger *zerolog.Logger) {
	// handle metrics
	defer func() {
		metrics.Get().ErrorsTotal.WithLabelValues(types.ErrorKind(e.Err)).Inc()
	}()

	e.Scope.apply(logger.WithLevel(e.Lvl)).
		Err(e.Err).
		Msg(e.Msg)
}

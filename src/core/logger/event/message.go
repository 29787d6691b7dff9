package event

import (
	"github.com/rs/zerolog"

	"github.com/cnaize/geofw/src/types"
)

var _ Sender = Message{}

// Scope names the tables an event is about. Zero fields are not logged,
// neither is a negative slot.
type Scope struct {
	Generation uint64
	Slot       int
	Family     types.Family
}

var NoScope = Scope{Slot: -1}

func (s Scope) apply(e *zerolog.Event) *zerolog.Event {
	if s.Generation > 0 {
		e = e.Uint64("generation", s.Generation)
	}
	if s.Slot >= 0 {
		e = e.Int("slot", s.Slot)
	}
	if s.Family != 0 {
		e = e.Stringer("family", s.Family)
	}

	return e
}

type Message struct {
	Lvl   zerolog.Level
	Msg   string
	Scope Scope
}

func NewMessage(lvl zerolog.Level, msg string) Message {
	return Message{
		Lvl:   lvl,
		Msg:   msg,
		Scope: NoScope,
	}
}

func (e Message) In(scope Scope) Message {
	e.Scope = scope
	return e
}

func (e Message) Send(logger *zerolog.Logger) {
	e.Scope.apply(logger.WithLevel(e.Lvl)).Msg(e.Msg)
}

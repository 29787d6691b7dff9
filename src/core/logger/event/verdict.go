package event

import (
	"github.com/rs/zerolog"

	"github.com/cnaize/geofw/src/core/metrics"
	"github.com/cnaize/geofw/src/types"
)

var _ Sender = Verdict{}

type Verdict struct {
	Message

	Decision types.Decision
}

func NewVerdict(lvl zerolog.Level, msg string, decision types.Decision) Verdict {
	return Verdict{
		Message:  NewMessage(lvl, msg),
		Decision: decision,
	}
}

func (e Verdict) Send(logger *zerolog.Logger) {
	action := ActionTypeAllow
	if e.Decision.Verdict == types.VerdictDrop {
		action = ActionTypeDrop
	}

	// handle metrics
	defer func() {
		metrics.Get().DecisionsTotal.WithLabelValues(string(action), e.Decision.Country.String()).Inc()
	}()

	logger.
		WithLevel(e.Lvl).
		Str("target", e.Decision.Addr.String()).
		Str("action", string(action)).
		Str("country", e.Decision.Country.String()).
		Bool("matched", e.Decision.Matched).
		Uint64("generation", e.Decision.Generation).
		Msg(e.Msg)
}

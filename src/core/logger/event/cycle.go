package event

import (
	"github.com/rs/zerolog"

	"github.com/cnaize/geofw/src/core/metrics"
	"github.com/cnaize/geofw/src/types"
)

var _ Sender = Cycle{}

type Cycle struct {
	Message

	Cycle types.Cycle
	Err   error
}

func NewCycle(lvl zerolog.Level, msg string, cycle types.Cycle, err error) Cycle {
	return Cycle{
		Message: NewMessage(lvl, msg),
		Cycle:   cycle,
		Err:     err,
	}
}

func (e Cycle) Send(logger *zerolog.Logger) {
	// handle metrics
	defer func() {
		m := metrics.Get()
		m.RefreshesTotal.WithLabelValues(types.ErrorKind(e.Err)).Inc()
		m.RefreshDuration.Observe(e.Cycle.Duration.Seconds())
		if e.Err == nil {
			m.Generation.Set(float64(e.Cycle.Generation))
			m.TableEntries.WithLabelValues(types.FamilyV4.String()).Set(float64(e.Cycle.EntriesV4))
			m.TableEntries.WithLabelValues(types.FamilyV6.String()).Set(float64(e.Cycle.EntriesV6))
		}
	}()

	logger.
		WithLevel(e.Lvl).
		Err(e.Err).
		Str("cycle", e.Cycle.ID).
		Str("origin", e.Cycle.Origin).
		Uint64("generation", e.Cycle.Generation).
		Int("entries_v4", e.Cycle.EntriesV4).
		Int("entries_v6", e.Cycle.EntriesV6).
		Int("inserted", e.Cycle.Inserted).
		Int("removed", e.Cycle.Removed).
		Dur("duration", e.Cycle.Duration).
		Msg(e.Msg)
}

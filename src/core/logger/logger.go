package logger

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/cnaize/geofw/src/core/logger/event"
	"github.com/cnaize/geofw/src/core/metrics"
)

// Logger sends events from a bounded queue on background workers. The
// packet and refresh paths never wait on log output.
type Logger struct {
	logger *zerolog.Logger
	events chan event.Sender

	wg      sync.WaitGroup
	dropped atomic.Uint64
}

func NewLogger(logger *zerolog.Logger, qlen uint) *Logger {
	return &Logger{
		logger: logger,
		events: make(chan event.Sender, qlen),
	}
}

func (l *Logger) Raw() *zerolog.Logger {
	return l.logger
}

func (l *Logger) Run(ctx context.Context, workers uint) {
	for range workers {
		l.wg.Add(1)
		go l.sendLoop(ctx)
	}
}

// Wait returns once the workers stopped and the queue is drained.
func (l *Logger) Wait() {
	l.wg.Wait()
}

// Log never blocks, the event is dropped when the queue is full.
func (l *Logger) Log(e event.Sender) {
	select {
	case l.events <- e:
	default:
		l.dropped.Add(1)
		metrics.Get().EventsDroppedTotal.WithLabelValues("logger").Inc()
		l.logger.Debug().Int("queue", cap(l.events)).Msgf("event dropped: %T", e)
	}
}

func (l *Logger) Dropped() uint64 {
	return l.dropped.Load()
}

func (l *Logger) sendLoop(ctx context.Context) {
	defer l.wg.Done()

	for {
		select {
		case e := <-l.events:
			e.Send(l.logger)
		case <-ctx.Done():
			// cycle results queued before shutdown still get out
			l.drain()
			return
		}
	}
}

func (l *Logger) drain() {
	for {
		select {
		case e := <-l.events:
			e.Send(l.logger)
		default:
			return
		}
	}
}

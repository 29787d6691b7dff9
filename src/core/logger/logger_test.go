package logger

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cnaize/geofw/src/config"
	"github.com/cnaize/geofw/src/core/logger/event"
)

type syncBuffer struct {
	ch chan string
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.ch <- string(bytes.Clone(p))
	return len(p), nil
}

func TestLoggerDropsWhenFull(t *testing.T) {
	raw := zerolog.Nop()
	l := NewLogger(&raw, 1)

	// nobody reads, the second event must not block
	done := make(chan struct{})
	go func() {
		l.Log(event.NewMessage(zerolog.InfoLevel, "first"))
		l.Log(event.NewMessage(zerolog.InfoLevel, "second"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Log blocked")
	}
	assert.Equal(t, uint64(1), l.Dropped())
}

func TestLoggerDrainsOnShutdown(t *testing.T) {
	buf := &syncBuffer{ch: make(chan string, 3)}
	raw := zerolog.New(buf)
	l := NewLogger(&raw, 8)

	l.Log(event.NewMessage(zerolog.InfoLevel, "one"))
	l.Log(event.NewMessage(zerolog.InfoLevel, "two"))
	l.Log(event.NewError(zerolog.WarnLevel, "three", nil).In(event.Scope{Generation: 7, Slot: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	l.Run(ctx, 1)
	l.Wait()

	require.Len(t, buf.ch, 3)
	assert.Contains(t, <-buf.ch, "one")
	assert.Contains(t, <-buf.ch, "two")

	line := <-buf.ch
	assert.Contains(t, line, `"generation":7`)
	assert.Contains(t, line, `"slot":1`)
}

func TestLoggerSends(t *testing.T) {
	buf := &syncBuffer{ch: make(chan string, 1)}
	raw := zerolog.New(buf)
	l := NewLogger(&raw, 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Run(ctx, 1)

	l.Log(event.NewMessage(zerolog.InfoLevel, "hello"))

	select {
	case line := <-buf.ch:
		assert.Contains(t, line, "hello")
	case <-time.After(time.Second):
		t.Fatal("event not sent")
	}
}

func TestNew(t *testing.T) {
	logger, err := New(config.LogConfig{Level: "debug", Format: "json"})
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, logger.GetLevel())

	_, err = New(config.LogConfig{Level: "loud"})
	assert.Error(t, err)

	_, err = New(config.LogConfig{Level: "info", Format: "xml"})
	assert.Error(t, err)
}

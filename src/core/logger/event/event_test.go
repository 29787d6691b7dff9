package event

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/cnaize/geofw/src/core/metrics"
	"github.com/cnaize/geofw/src/types"
)

func TestVerdictSend(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	country, _ := types.ParseCountryCode("CN")
	counter := metrics.Get().DecisionsTotal.WithLabelValues("drop", "CN")
	before := testutil.ToFloat64(counter)

	NewVerdict(zerolog.InfoLevel, "packet dropped", types.Decision{
		Addr:    netip.MustParseAddr("203.0.113.5"),
		Verdict: types.VerdictDrop,
		Country: country,
		Matched: true,
	}).Send(&logger)

	assert.Contains(t, buf.String(), `"target":"203.0.113.5"`)
	assert.Contains(t, buf.String(), `"action":"drop"`)
	assert.Contains(t, buf.String(), `"country":"CN"`)
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}

func TestCycleSend(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	NewCycle(zerolog.InfoLevel, "refresh done", types.Cycle{
		ID:         "cycle-1",
		Generation: 42,
		EntriesV4:  3,
		Duration:   time.Second,
	}, nil).Send(&logger)

	assert.Contains(t, buf.String(), `"generation":42`)
	assert.Equal(t, float64(42), testutil.ToFloat64(metrics.Get().Generation))
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.Get().TableEntries.WithLabelValues("ipv4")))
}

func TestMessageScope(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	NewMessage(zerolog.InfoLevel, "plain").Send(&logger)
	assert.NotContains(t, buf.String(), `"slot"`)
	assert.NotContains(t, buf.String(), `"generation"`)

	buf.Reset()
	NewMessage(zerolog.InfoLevel, "scoped").
		In(Scope{Generation: 9, Slot: 0, Family: types.FamilyV6}).
		Send(&logger)
	assert.Contains(t, buf.String(), `"generation":9`)
	assert.Contains(t, buf.String(), `"slot":0`)
	assert.Contains(t, buf.String(), `"family":"ipv6"`)
}

func TestErrorSend(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	counter := metrics.Get().ErrorsTotal.WithLabelValues("fetch")
	before := testutil.ToFloat64(counter)

	NewError(zerolog.ErrorLevel, "refresh failed", errors.Join(types.ErrFetch, errors.New("timeout"))).Send(&logger)

	assert.Contains(t, buf.String(), "timeout")
	assert.Equal(t, before+1, testutil.ToFloat64(counter))
}
